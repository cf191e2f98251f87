package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JamesPaynter/mycelium/internal/budget"
	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/manifest"
	"github.com/JamesPaynter/mycelium/internal/scope"
	"github.com/JamesPaynter/mycelium/internal/state"
	"github.com/JamesPaynter/mycelium/internal/worker"
)

// fakeGraph is a test double for scope.GraphModel backed by a plain map.
type fakeGraph struct {
	owners map[string]string
}

func (g fakeGraph) OwnerOf(path string) (string, bool) {
	c, ok := g.owners[path]
	return c, ok
}

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

func initMainRepo(t *testing.T) string {
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

// writeFileAgentFactory builds an AgentFactory where each task's agent
// writes a distinct file, so independent tasks never collide on disk.
func writeFileAgentFactory() func(taskID string) worker.Agent {
	return func(taskID string) worker.Agent {
		return &worker.MockAgent{
			Turn: func(ctx context.Context, workspaceDir string, index int) error {
				return os.WriteFile(filepath.Join(workspaceDir, taskID+".txt"), []byte("done\n"), 0644)
			},
		}
	}
}

func seedTask(t *testing.T, tasksRoot, id, name string, deps, writes []string) *manifest.Manifest {
	t.Helper()
	dir := filepath.Join(manifest.ActiveDir(tasksRoot), id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	m := &manifest.Manifest{
		ID: id, Name: name, Dependencies: deps,
		Locks: manifest.Locks{Writes: writes},
		Files: manifest.Files{Writes: writes},
		Verify: manifest.Verify{Doctor: "true"},
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifest.ManifestPath(dir), data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifest.SpecPath(dir), []byte("do "+name), 0644); err != nil {
		t.Fatal(err)
	}
	return m
}

func baseConfig(t *testing.T, repoPath string) Config {
	t.Helper()
	home := t.TempDir()
	return Config{
		Home: home, Project: "proj", RepoPath: repoPath, MainBranch: "main",
		TasksRoot:              filepath.Join(home, "tasks"),
		MaxParallel:            4,
		MaxRetries:             1,
		CommandTimeout:         30 * time.Second,
		EnforcementMode:        scope.EnforcementOff,
		AgentFactory:           writeFileAgentFactory(),
		FallbackDoctorCmd:      "true",
		MaxComponentsForScoped: 10,
	}
}

func newOrchestrator(t *testing.T, cfg Config, runID string) *Orchestrator {
	t.Helper()
	storePath := filepath.Join(cfg.Home, "state", "run-"+runID+".json")
	store := state.NewStore(storePath)
	logPath := filepath.Join(cfg.Home, "logs", "orchestrator.jsonl")
	log, err := eventlog.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return New(cfg, store, log)
}

func fixedNow() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestRunTwoIndependentTasksOneBatch(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	if err := os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755); err != nil {
		t.Fatal(err)
	}
	m1 := seedTask(t, cfg.TasksRoot, "001", "task one", nil, []string{"a"})
	m2 := seedTask(t, cfg.TasksRoot, "002", "task two", nil, []string{"b"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1, m2}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("status = %s, want complete", rs.Status)
	}
	for _, id := range []string{"001", "002"} {
		ts := rs.Tasks[id]
		if ts.Status != state.TaskComplete {
			t.Errorf("task %s status = %s, want complete", id, ts.Status)
		}
	}
	if len(rs.Batches) != 1 {
		t.Fatalf("batches = %d, want 1 (both tasks have disjoint locks)", len(rs.Batches))
	}
	for _, f := range []string{"001.txt", "002.txt"} {
		if _, err := os.Stat(filepath.Join(repo, f)); err != nil {
			t.Errorf("expected %s merged onto main: %v", f, err)
		}
	}
}

func TestRunConflictingLocksSplitAcrossBatches(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "task one", nil, []string{"shared"})
	m2 := seedTask(t, cfg.TasksRoot, "002", "task two", nil, []string{"shared"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1, m2}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("status = %s, want complete", rs.Status)
	}
	if len(rs.Batches) != 2 {
		t.Fatalf("batches = %d, want 2 (conflicting write locks cannot share a batch)", len(rs.Batches))
	}
	for _, id := range []string{"001", "002"} {
		if rs.Tasks[id].Status != state.TaskComplete {
			t.Errorf("task %s status = %s, want complete", id, rs.Tasks[id].Status)
		}
	}
}

func TestRunDependencyOrdering(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "base", nil, []string{"a"})
	m2 := seedTask(t, cfg.TasksRoot, "002", "dependent", []string{"001"}, []string{"b"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1, m2}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("status = %s, want complete", rs.Status)
	}
	if len(rs.Batches) != 2 {
		t.Fatalf("batches = %d, want 2 (002 depends on 001)", len(rs.Batches))
	}
}

func TestRunDoctorFailureMarksTaskFailed(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	cfg.FallbackDoctorCmd = "false"
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "broken", nil, []string{"a"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Tasks["001"].Status != state.TaskFailed {
		t.Fatalf("status = %s, want failed", rs.Tasks["001"].Status)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("run status = %s, want complete (a failed task is still terminal)", rs.Status)
	}
}

// conflictingAgentFactory builds an AgentFactory where tasks named in
// contents all write to the same shared.txt with distinct content (forcing
// a real git merge conflict between them), and every other task writes its
// own distinct file.
func conflictingAgentFactory(contents map[string]string) func(taskID string) worker.Agent {
	return func(taskID string) worker.Agent {
		return &worker.MockAgent{
			Turn: func(ctx context.Context, workspaceDir string, index int) error {
				if content, ok := contents[taskID]; ok {
					return os.WriteFile(filepath.Join(workspaceDir, "shared.txt"), []byte(content), 0644)
				}
				return os.WriteFile(filepath.Join(workspaceDir, taskID+".txt"), []byte("done\n"), 0644)
			},
		}
	}
}

func TestRunMergeConflictQuarantinesAndRetries(t *testing.T) {
	repo := initMainRepo(t)
	os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("base\n"), 0644)
	runGit(t, repo, "add", "-A")
	runGit(t, repo, "commit", "-m", "add shared")

	cfg := baseConfig(t, repo)
	cfg.MaxParallel = 2
	cfg.AgentFactory = conflictingAgentFactory(map[string]string{
		"001": "from-001\n",
		"002": "from-002\n",
	})
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "writer one", nil, []string{"rA"})
	m2 := seedTask(t, cfg.TasksRoot, "002", "writer two", nil, []string{"rB"})
	m3 := seedTask(t, cfg.TasksRoot, "003", "writer three", nil, []string{"rC"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1, m2, m3}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("status = %s, want complete", rs.Status)
	}
	// maxParallel=2 caps batch 1 to the first two of three disjoint-lock
	// ready tasks (001, 002); 003 waits for batch 2.
	if len(rs.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(rs.Batches))
	}
	if rs.Tasks["001"].Status != state.TaskComplete {
		t.Errorf("task 001 status = %s, want complete (merges first, cleanly)", rs.Tasks["001"].Status)
	}
	if rs.Tasks["003"].Status != state.TaskComplete {
		t.Errorf("task 003 status = %s, want complete", rs.Tasks["003"].Status)
	}
	if rs.Tasks["002"].Status != state.TaskValidated {
		t.Errorf("task 002 status = %s, want validated (quarantined by its merge conflict with 001, retried and re-conflicted in batch 2)", rs.Tasks["002"].Status)
	}
	if _, err := os.Stat(filepath.Join(repo, "003.txt")); err != nil {
		t.Errorf("expected 003.txt merged onto main: %v", err)
	}
}

func TestRunBudgetBlockRoutesToHumanReview(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	cfg.CostPer1k = 1.0
	cfg.TaskBudgetLimits = []budget.Limit{{Scope: budget.ScopeTask, Kind: budget.KindTokens, Mode: budget.ModeBlock, Max: 10}}
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "expensive", nil, []string{"a"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ts := rs.Tasks["001"]
	if ts.Status != state.TaskNeedsHumanReview {
		t.Fatalf("status = %s, want needs_human_review", ts.Status)
	}
	if ts.HumanReview == nil || ts.HumanReview.Source != "budget" {
		t.Fatalf("HumanReview = %+v, want budget source", ts.HumanReview)
	}
}

// rescopeAgentFactory writes an out-of-scope file on the task's first turn
// and an in-scope file on every later turn, so an auto-rescoped task
// succeeds once rescheduled.
func rescopeAgentFactory() func(taskID string) worker.Agent {
	var mu sync.Mutex
	calls := map[string]int{}
	return func(taskID string) worker.Agent {
		return &worker.MockAgent{
			Turn: func(ctx context.Context, workspaceDir string, index int) error {
				mu.Lock()
				calls[taskID]++
				n := calls[taskID]
				mu.Unlock()
				if n == 1 {
					return os.WriteFile(filepath.Join(workspaceDir, "extra.txt"), []byte("oops\n"), 0644)
				}
				return os.WriteFile(filepath.Join(workspaceDir, "fixed.txt"), []byte("ok\n"), 0644)
			},
		}
	}
}

func TestRunAutoRescopeResetsTaskToPending(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	cfg.EnforcementMode = scope.EnforcementWarn
	cfg.Graph = fakeGraph{owners: map[string]string{"extra.txt": "compX", "fixed.txt": "compA"}}
	cfg.AgentFactory = rescopeAgentFactory()
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "rescoping", nil, []string{"compA"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("status = %s, want complete", rs.Status)
	}
	if rs.Tasks["001"].Status != state.TaskComplete {
		t.Fatalf("task 001 status = %s, want complete (second attempt stays in scope)", rs.Tasks["001"].Status)
	}
	// batch 1 auto-rescopes 001 back to pending without merging anything;
	// batch 2 runs the corrected attempt to completion.
	if len(rs.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(rs.Batches))
	}
	if _, err := os.Stat(filepath.Join(repo, "fixed.txt")); err != nil {
		t.Errorf("expected fixed.txt merged onto main: %v", err)
	}
}

// rescopeRequiredAgentFactory makes task 001 touch a file outside its
// declared scope, and every other task write its own harmless file.
func rescopeRequiredAgentFactory() func(taskID string) worker.Agent {
	return func(taskID string) worker.Agent {
		return &worker.MockAgent{
			Turn: func(ctx context.Context, workspaceDir string, index int) error {
				if taskID == "001" {
					return os.WriteFile(filepath.Join(workspaceDir, "extra.txt"), []byte("oops\n"), 0644)
				}
				return os.WriteFile(filepath.Join(workspaceDir, taskID+".txt"), []byte("done\n"), 0644)
			},
		}
	}
}

func TestRunScopeViolationRequiresRescope(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	cfg.MaxParallel = 1
	cfg.EnforcementMode = scope.EnforcementBlock
	cfg.Graph = fakeGraph{owners: map[string]string{"extra.txt": "compX"}}
	cfg.AgentFactory = rescopeRequiredAgentFactory()
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	// 002 holds a pending write lock on "compX", the component 001's
	// out-of-scope change touches, so scope.Rescopable refuses to heal it.
	m1 := seedTask(t, cfg.TasksRoot, "001", "risky", nil, []string{"compA"})
	m2 := seedTask(t, cfg.TasksRoot, "002", "safe", nil, []string{"compX"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1, m2}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunComplete {
		t.Fatalf("status = %s, want complete", rs.Status)
	}
	if rs.Tasks["001"].Status != state.TaskRescopeRequired {
		t.Fatalf("task 001 status = %s, want rescope_required", rs.Tasks["001"].Status)
	}
	if rs.Tasks["002"].Status != state.TaskComplete {
		t.Fatalf("task 002 status = %s, want complete", rs.Tasks["002"].Status)
	}
	if len(rs.Batches) != 2 {
		t.Fatalf("batches = %d, want 2 (maxParallel=1 caps each batch to one task)", len(rs.Batches))
	}
}

func TestRunDependencyCycleDeadlocks(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "a", []string{"002"}, []string{"a"})
	m2 := seedTask(t, cfg.TasksRoot, "002", "b", []string{"001"}, []string{"b"})

	o := newOrchestrator(t, cfg, "run-1")
	rs, err := o.Run(context.Background(), "run-1", []*manifest.Manifest{m1, m2}, fixedNow())
	if err == nil {
		t.Fatal("expected a deadlock error from an unsatisfiable dependency cycle")
	}
	if rs.Status != state.RunFailed {
		t.Fatalf("status = %s, want failed", rs.Status)
	}
}

func TestRunStopSignalDemotesToStopped(t *testing.T) {
	repo := initMainRepo(t)
	cfg := baseConfig(t, repo)
	os.MkdirAll(manifest.ActiveDir(cfg.TasksRoot), 0755)
	m1 := seedTask(t, cfg.TasksRoot, "001", "task", nil, []string{"a"})

	o := newOrchestrator(t, cfg, "run-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs, err := o.Run(ctx, "run-1", []*manifest.Manifest{m1}, fixedNow())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Status != state.RunStopped {
		t.Fatalf("status = %s, want stopped (no task ever reached running)", rs.Status)
	}
	if rs.Tasks["001"].Status != state.TaskPending {
		t.Fatalf("task 001 status = %s, want pending (never started)", rs.Tasks["001"].Status)
	}
}
