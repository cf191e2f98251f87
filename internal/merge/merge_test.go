package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return string(out)
}

func initRepoWithBranches(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("base\n"), 0644)
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func addBranchWithFile(t *testing.T, dir, branch, filename, content string) {
	t.Helper()
	runGit(t, dir, "checkout", "-b", branch, "main")
	os.WriteFile(filepath.Join(dir, filename), []byte(content), 0644)
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "work on "+branch)
	runGit(t, dir, "checkout", "main")
}

func TestRunMergesNonConflictingBranches(t *testing.T) {
	dir := initRepoWithBranches(t)
	addBranchWithFile(t, dir, "task-001", "a.txt", "a\n")
	addBranchWithFile(t, dir, "task-002", "b.txt", "b\n")

	result, err := Run(context.Background(), dir, "main",
		[]TaskBranch{{TaskID: "001", Branch: "task-001"}, {TaskID: "002", Branch: "task-002"}},
		func(ctx context.Context, integrationDir string) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusMerged {
		t.Fatalf("status = %s, want merged", result.Status)
	}
	if len(result.Merged) != 2 {
		t.Fatalf("merged = %v, want 2 entries", result.Merged)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", result.Conflicts)
	}
	if result.MergeCommit == "" {
		t.Error("expected a merge commit hash")
	}
	for _, f := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("expected %s on main: %v", f, err)
		}
	}
}

func TestRunQuarantinesConflictAndContinues(t *testing.T) {
	dir := initRepoWithBranches(t)
	os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("base\n"), 0644)
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "add shared")

	addBranchWithFile(t, dir, "task-001", "shared.txt", "from-001\n")
	addBranchWithFile(t, dir, "task-003", "shared.txt", "from-003\n")
	addBranchWithFile(t, dir, "task-002", "clean.txt", "from-002\n")

	result, err := Run(context.Background(), dir, "main",
		[]TaskBranch{{TaskID: "001", Branch: "task-001"}, {TaskID: "003", Branch: "task-003"}, {TaskID: "002", Branch: "task-002"}},
		func(ctx context.Context, integrationDir string) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Merged) != 2 || result.Merged[0] != "001" || result.Merged[1] != "002" {
		t.Fatalf("merged = %v, want [001 002] (003 conflicts with 001 on shared.txt)", result.Merged)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].TaskID != "003" {
		t.Fatalf("conflicts = %v, want exactly task 003 quarantined", result.Conflicts)
	}
}

func TestRunDoctorFailureReturnsError(t *testing.T) {
	dir := initRepoWithBranches(t)
	addBranchWithFile(t, dir, "task-001", "a.txt", "a\n")

	_, err := Run(context.Background(), dir, "main",
		[]TaskBranch{{TaskID: "001", Branch: "task-001"}},
		func(ctx context.Context, integrationDir string) error { return os.ErrInvalid })
	if err == nil {
		t.Fatal("expected integration doctor failure to surface as an error")
	}
}

func TestRunNoMergesSkipsDoctor(t *testing.T) {
	dir := initRepoWithBranches(t)
	doctorCalled := false

	result, err := Run(context.Background(), dir, "main", nil,
		func(ctx context.Context, integrationDir string) error {
			doctorCalled = true
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", result.Status)
	}
	if doctorCalled {
		t.Error("doctor should not run when nothing merged")
	}
}
