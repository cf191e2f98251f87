// Package merge implements the sequential no-ff merge and integration
// doctor loop (C9): merge each validated task branch into the integration
// branch, quarantine conflicts rather than aborting the whole batch, then
// run the integration doctor once for the batch. Grounded on the teacher's
// internal/git Rebase: the same "attempt, abort on conflict, keep going"
// shape, applied to `git merge --no-ff` instead of `git rebase`, and
// without the hard reset the teacher's disposable rebase branches allow —
// a conflicting task's branch must survive untouched so it can be retried.
package merge

import (
	"context"
	"fmt"

	"github.com/JamesPaynter/mycelium/internal/errs"
	"github.com/JamesPaynter/mycelium/internal/gitrepo"
)

// TaskBranch is one validated task's branch awaiting merge.
type TaskBranch struct {
	TaskID string
	Branch string
}

// Conflict records a branch that could not be merged cleanly.
type Conflict struct {
	TaskID string
	Branch string
	Output string
}

// Status is the outcome of one merge-and-integrate pass.
type Status string

const (
	StatusMerged  Status = "merged"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of Run, per spec §4.9's `{status, merged[],
// conflicts[], mergeCommit?}` return shape.
type Result struct {
	Status      Status
	Merged      []string
	Conflicts   []Conflict
	MergeCommit string
}

// IntegrationDoctor runs the batch-level doctor command against the
// integration branch after merges complete. It is separate from the
// per-task doctor (C7) because it runs once per batch, not once per task.
type IntegrationDoctor func(ctx context.Context, integrationDir string) error

// Run checks out mainBranch in integrationDir and merges each branch in
// turn, per spec §4.9 steps 1-4.
func Run(ctx context.Context, integrationDir, mainBranch string, branches []TaskBranch, doctor IntegrationDoctor) (*Result, error) {
	repo := gitrepo.NewRepo(integrationDir)
	if err := repo.Checkout(mainBranch); err != nil {
		return nil, errs.GitError("", "", fmt.Errorf("checking out integration branch %s: %w", mainBranch, err))
	}

	result := &Result{Status: StatusSkipped}

	for _, tb := range branches {
		commit, err := repo.MergeNoFF(tb.Branch, fmt.Sprintf("mycelium: merge task %s", tb.TaskID))
		if err != nil {
			repo.AbortMerge()
			result.Conflicts = append(result.Conflicts, Conflict{TaskID: tb.TaskID, Branch: tb.Branch, Output: err.Error()})
			continue
		}
		result.Merged = append(result.Merged, tb.TaskID)
		result.MergeCommit = commit
	}

	if len(result.Merged) == 0 {
		return result, nil
	}

	if doctor != nil {
		if err := doctor(ctx, integrationDir); err != nil {
			return nil, errs.TaskError(
				fmt.Sprintf("integration doctor failed after merging %d task(s)", len(result.Merged)),
				"inspect the integration branch; merged tasks remain validated, not complete", err)
		}
	}

	result.Status = StatusMerged
	return result, nil
}
