// Package orchestrator implements the main loop (C10): load-or-create
// RunState, build batches, fan a batch's tasks out to parallel pipelines,
// run the validator pipeline and merge & integration over the results, and
// persist after every transition. It generalizes the teacher's
// internal/engine/engine.go:RunOnceWithLogs (per-level sync.WaitGroup
// fan-out) from a fixed watch-chain of concerns to an arbitrary batch of
// scheduled tasks. Tasks downstream of a failed task are not skipped: they
// stay pending until no task is ready, and the run then ends with
// run.deadlock. It also generalizes the teacher's cli/run.go
// runDaemon (signal.Notify/context.WithCancel, ticking loop) for
// stop-signal handling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/JamesPaynter/mycelium/internal/budget"
	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/manifest"
	"github.com/JamesPaynter/mycelium/internal/merge"
	"github.com/JamesPaynter/mycelium/internal/paths"
	"github.com/JamesPaynter/mycelium/internal/scheduler"
	"github.com/JamesPaynter/mycelium/internal/scope"
	"github.com/JamesPaynter/mycelium/internal/state"
	"github.com/JamesPaynter/mycelium/internal/validator"
	"github.com/JamesPaynter/mycelium/internal/worker"
)

// Config bundles everything a run needs that isn't per-task manifest data.
type Config struct {
	Home, Project, RepoPath, MainBranch, TasksRoot string

	MaxParallel    int
	MaxRetries     int
	CommandTimeout time.Duration

	BootstrapCmds        []string
	LintCmd              string
	FastTestCmd          string
	IntegrationDoctorCmd string

	// DoctorMetaCadence, when > 0, runs the batch-scoped doctor validator
	// (spec §4.8) every N batches regardless of merge outcome. DoctorCanaryCmd
	// is a lighter health check run every batch; its failure is its own
	// trigger independent of cadence. ForceDoctorMetaOnce schedules a single
	// manual-trigger run on the next batch, then clears itself.
	DoctorMetaCadence   int
	DoctorCanaryCmd     string
	ForceDoctorMetaOnce bool

	Graph                   scope.GraphModel
	EnforcementMode         scope.EnforcementMode
	ComponentCommands       map[string]string
	FallbackDoctorCmd       string
	MaxComponentsForScoped  int
	ChecksetExpr            string

	ValidatorConfigs  []validator.Config
	ValidatorAdapters map[string]validator.Validator

	AgentFactory func(taskID string) worker.Agent

	RecoverDirtyWorkspace bool
	StopContainersOnExit  bool

	CostPer1k        float64
	RunBudgetLimits  []budget.Limit
	TaskBudgetLimits []budget.Limit
	Metrics          *budget.Metrics
}

// Orchestrator drives one run to completion or a stop signal.
type Orchestrator struct {
	cfg    Config
	store  *state.Store
	events *eventlog.Log
	tracer trace.Tracer

	// liveState gives runMerge visibility into previously-validated tasks
	// (e.g. quarantined by an earlier batch's merge conflict) without
	// threading the RunState through every call in the merge step.
	liveState *state.RunState

	// manualDoctorCheckPending and lastIntegrationDoctorOutput back the
	// batch-scoped doctor validator's manual and cadence/integration
	// triggers; see runDoctorMeta.
	manualDoctorCheckPending    bool
	lastIntegrationDoctorOutput string
}

// New builds an Orchestrator bound to a state store and the orchestrator's
// own event log.
func New(cfg Config, store *state.Store, events *eventlog.Log) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, store: store, events: events, tracer: otel.Tracer("mycelium/orchestrator"),
		manualDoctorCheckPending: cfg.ForceDoctorMetaOnce,
	}
}

func (o *Orchestrator) emit(eventType, taskID string, payload interface{}) {
	e, err := eventlog.NewEvent(eventType, taskID, 0, payload)
	if err != nil {
		return
	}
	_ = o.events.Append(e)
}

// Run executes the main loop of spec §4.10 against the given manifests
// (the tasks currently in `active/`), returning the final RunState.
func (o *Orchestrator) Run(ctx context.Context, runID string, manifests []*manifest.Manifest, now func() time.Time) (*state.RunState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := attachStopSignal(cancel)
	defer stop()

	rs, staleFired, staleReason, err := o.loadOrCreate(runID, now())
	if err != nil {
		return nil, err
	}
	if staleFired {
		_ = state.EmitStaleRecoveryEvent(o.events, staleReason)
	}

	byID := make(map[string]*manifest.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
		if _, ok := rs.Tasks[m.ID]; !ok {
			rs.Tasks[m.ID] = &state.TaskState{Status: state.TaskPending}
		}
	}

	views := make([]scheduler.DependencyView, 0, len(manifests))
	for _, m := range manifests {
		views = append(views, scheduler.DependencyView{ID: m.ID, Dependencies: m.Dependencies})
	}

	o.liveState = rs

	for {
		if ctx.Err() != nil {
			o.demoteOnStop(rs, now())
			_ = o.store.Save(rs, now())
			return rs, nil
		}
		if !anyPendingOrRunning(rs) {
			break
		}

		ready := scheduler.ReadyTasks(views, rs.Tasks)
		if len(ready) == 0 {
			rs.Status = state.RunFailed
			o.emit("run.deadlock", "", nil)
			_ = o.store.Save(rs, now())
			return rs, fmt.Errorf("deadlock: no ready tasks but pending tasks remain")
		}

		schedTasks := make([]scheduler.Task, 0, len(ready))
		for _, id := range ready {
			m := byID[id]
			schedTasks = append(schedTasks, scheduler.Task{ID: id, Reads: m.Locks.Reads, Writes: m.Locks.Writes})
		}
		batchTasks, err := scheduler.BuildGreedyBatch(schedTasks, o.cfg.MaxParallel)
		if err != nil {
			rs.Status = state.RunFailed
			_ = o.store.Save(rs, now())
			return rs, err
		}

		batchID := uuid.NewString()
		batchCtx, span := o.tracer.Start(ctx, "batch",
			trace.WithAttributes(attribute.String("run_id", runID), attribute.String("batch_id", batchID)))

		started := now()
		batch := state.Batch{BatchID: batchID, Status: state.BatchRunning, StartedAt: &started}
		for _, t := range batchTasks {
			batch.Tasks = append(batch.Tasks, t.ID)
			rs.Tasks[t.ID].BatchID = batchID
		}
		rs.Batches = append(rs.Batches, batch)
		o.emit("batch.start", "", map[string]interface{}{"batch_id": batchID, "tasks": batch.Tasks})
		if err := o.store.Save(rs, now()); err != nil {
			span.End()
			return nil, err
		}

		results := o.runBatch(batchCtx, batchTasks, byID, rs, runID)
		o.applyResults(rs, results, now())

		validated := o.runValidators(batchCtx, results, rs, now())
		mergeResult, mergeErr := o.runMerge(batchCtx, validated, runID, now())
		o.applyMerge(rs, mergeResult, now())

		bi := len(rs.Batches) - 1
		completed := now()
		rs.Batches[bi].CompletedAt = &completed
		if mergeResult != nil {
			rs.Batches[bi].MergeCommit = mergeResult.MergeCommit
			rs.Batches[bi].IntegrationDoctorPassed = mergeResult.Status == merge.StatusMerged
		}
		doctorMetaFailed := o.runDoctorMeta(batchCtx, mergeErr, bi, rs, batchID, now())
		if anyFailedInBatch(rs, batch.Tasks) || doctorMetaFailed {
			rs.Batches[bi].Status = state.BatchFailed
		} else {
			rs.Batches[bi].Status = state.BatchComplete
		}
		o.emit("batch.complete", "", map[string]interface{}{"batch_id": batchID, "status": string(rs.Batches[bi].Status)})
		if err := o.store.Save(rs, now()); err != nil {
			span.End()
			return nil, err
		}
		span.End()
	}

	rs.Status = state.RunComplete
	o.emit("run.complete", "", nil)
	if err := o.store.Save(rs, now()); err != nil {
		return nil, err
	}
	return rs, nil
}

func (o *Orchestrator) loadOrCreate(runID string, now time.Time) (*state.RunState, bool, string, error) {
	loaded, err := o.store.Load(now)
	if err == nil {
		return loaded.State, loaded.StaleRecoveryFired, loaded.StaleReason, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, "", err
	}
	rs := state.New(runID, o.cfg.Project, o.cfg.RepoPath, o.cfg.MainBranch, now)
	return rs, false, "", nil
}

func (o *Orchestrator) demoteOnStop(rs *state.RunState, now time.Time) {
	hasRunning := false
	for _, t := range rs.Tasks {
		if t.Status == state.TaskRunning {
			hasRunning = true
			break
		}
	}
	if hasRunning && !o.cfg.StopContainersOnExit {
		rs.Status = state.RunPaused
	} else {
		rs.Status = state.RunStopped
	}
	o.emit("run.stopped", "", map[string]interface{}{"status": string(rs.Status), "resume_hint": "mycelium resume --run-id " + rs.RunID})
}

func anyPendingOrRunning(rs *state.RunState) bool {
	for _, t := range rs.Tasks {
		if t.Status == state.TaskPending || t.Status == state.TaskRunning {
			return true
		}
	}
	return false
}

func anyFailedInBatch(rs *state.RunState, taskIDs []string) bool {
	for _, id := range taskIDs {
		if t, ok := rs.Tasks[id]; ok {
			switch t.Status {
			case state.TaskFailed, state.TaskRescopeRequired, state.TaskNeedsHumanReview:
				return true
			}
		}
	}
	return false
}

// taskWorkspaceDir and taskBranch centralize the naming convention shared
// by workspace provisioning (C6) and the merge step (C9).
func taskWorkspaceDir(home, project, runID, taskID string) string {
	return paths.TaskWorkspaceDir(home, project, runID, taskID)
}

func taskBranch(taskID string) string {
	return "mycelium/task/" + taskID
}

func taskDir(tasksRoot, taskID string) string {
	return filepath.Join(manifest.ActiveDir(tasksRoot), taskID)
}

// attachStopSignal mirrors the teacher's cli/run.go runDaemon signal
// handling: SIGINT/SIGTERM cancels ctx's parent cancel func once, and the
// returned stop func unregisters the signal channel.
func attachStopSignal(cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(sigCh)
	}
}
