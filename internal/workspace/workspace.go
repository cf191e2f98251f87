// Package workspace implements the Workspace Manager (C6): per-task git
// clones, task-branch discipline, dirty-workspace recovery, and identity
// verification against the origin repo. Grounded on the teacher's
// internal/git/git.go worktree/branch helpers and internal/engine/engine.go's
// "ensure worktree exists, else create" idiom, generalized from a shared
// concern worktree to an independent clone per task.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JamesPaynter/mycelium/internal/errs"
	"github.com/JamesPaynter/mycelium/internal/gitrepo"
	"github.com/JamesPaynter/mycelium/internal/paths"
)

// Result reports what Ensure did.
type Result struct {
	WorkspacePath string
	Created       bool
	Recovered     bool
}

// Params bundles the inputs Ensure needs, mirroring spec §4.6's signature.
type Params struct {
	WorkspaceDir          string
	RepoPath              string
	MainBranch            string
	TaskBranch            string
	RecoverDirtyWorkspace bool
}

// Ensure materializes a task's workspace, per spec §4.6:
//  1. missing workspace -> clone, checkout main, create task branch
//  2. existing workspace -> verify git repo, clean tree, origin identity,
//     main branch presence
//  3. ensure task branch is checked out (create from main if missing)
//  4. optionally discard pending edits
func Ensure(p Params) (*Result, error) {
	if _, err := os.Stat(p.WorkspaceDir); os.IsNotExist(err) {
		return create(p)
	} else if err != nil {
		return nil, errs.TaskError("stat workspace directory", "", err)
	}
	return recover_(p)
}

func create(p Params) (*Result, error) {
	if err := paths.EnsureDir(filepath.Dir(p.WorkspaceDir)); err != nil {
		return nil, errs.TaskError("creating workspace parent directory", "", err)
	}

	repo, err := gitrepo.Clone(p.RepoPath, p.WorkspaceDir)
	if err != nil {
		return nil, errs.TaskError(
			fmt.Sprintf("cloning %s into workspace", p.RepoPath),
			"check that repo_path is reachable and is a git repository", err)
	}
	repo.EnsureIdentity()

	if err := repo.Checkout(p.MainBranch); err != nil {
		return nil, errs.TaskError(
			fmt.Sprintf("checking out main branch %s in new workspace", p.MainBranch),
			"", err)
	}
	if err := repo.CheckoutNewBranch(p.TaskBranch, p.MainBranch); err != nil {
		return nil, errs.TaskError(
			fmt.Sprintf("creating task branch %s", p.TaskBranch),
			"", err)
	}

	return &Result{WorkspacePath: p.WorkspaceDir, Created: true}, nil
}

func recover_(p Params) (*Result, error) {
	repo := gitrepo.NewRepo(p.WorkspaceDir)

	if _, err := repo.CurrentBranch(); err != nil {
		return nil, errs.TaskError(
			fmt.Sprintf("%s does not look like a git repository", p.WorkspaceDir),
			"remove the workspace directory or start a new run id", err)
	}

	hasChanges, err := repo.HasChanges()
	if err != nil {
		return nil, errs.TaskError("checking workspace for a clean tree", "", err)
	}
	if hasChanges && !p.RecoverDirtyWorkspace {
		return nil, errs.TaskError(
			fmt.Sprintf("workspace %s has a dirty working tree", p.WorkspaceDir),
			"remove the workspace directory, start a new run id, or enable recover_dirty_workspace", nil)
	}

	originURL, err := repo.RemoteURL("origin")
	if err != nil {
		return nil, errs.TaskError("resolving workspace origin remote", "", err)
	}
	if !sameAbsolutePath(originURL, p.RepoPath) {
		return nil, errs.TaskError(
			fmt.Sprintf("workspace origin %q does not match expected repo path %q", originURL, p.RepoPath),
			"remove the workspace directory or start a new run id", nil)
	}

	if !repo.BranchExists(p.MainBranch) {
		return nil, errs.TaskError(
			fmt.Sprintf("main branch %s not found in workspace", p.MainBranch),
			"remove the workspace directory or start a new run id", nil)
	}

	recovered := hasChanges
	if recovered {
		if err := repo.DiscardWorkingTreeChanges(); err != nil {
			return nil, errs.TaskError("discarding dirty workspace changes", "", err)
		}
	}

	if !repo.BranchExists(p.TaskBranch) {
		if err := repo.CheckoutNewBranch(p.TaskBranch, p.MainBranch); err != nil {
			return nil, errs.TaskError(fmt.Sprintf("creating task branch %s", p.TaskBranch), "", err)
		}
	} else if err := repo.Checkout(p.TaskBranch); err != nil {
		return nil, errs.TaskError(fmt.Sprintf("checking out task branch %s", p.TaskBranch), "", err)
	}

	return &Result{WorkspacePath: p.WorkspaceDir, Recovered: recovered}, nil
}

func sameAbsolutePath(originURL, repoPath string) bool {
	a, errA := filepath.Abs(originURL)
	b, errB := filepath.Abs(repoPath)
	if errA != nil || errB != nil {
		return originURL == repoPath
	}
	aReal, errA2 := filepath.EvalSymlinks(a)
	bReal, errB2 := filepath.EvalSymlinks(b)
	if errA2 != nil || errB2 != nil {
		return a == b
	}
	return aReal == bReal
}

// Cleanup removes a task workspace directory entirely (used after archive).
func Cleanup(workspaceDir string) error {
	return os.RemoveAll(workspaceDir)
}
