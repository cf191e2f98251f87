package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JamesPaynter/mycelium/internal/errs"
	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/paths"
)

// StalenessThreshold is how long a `running` run may go without a save
// before it is considered abandoned by a crashed process.
var StalenessThreshold = 10 * time.Minute

// Store owns atomic persistence of a single run's RunState. Concurrency
// inside one process is serialized by its mutex; multi-process use is not
// supported, matching spec §4.3 ("the orchestrator owns the run").
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore builds a Store bound to one run's state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Validate checks structural invariants the schema requires. It does not
// re-derive business invariants (those live in the transition table).
func Validate(rs *RunState) error {
	if rs.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if rs.Project == "" {
		return fmt.Errorf("project is required")
	}
	switch rs.Status {
	case RunRunning, RunPaused, RunComplete, RunFailed, RunStopped:
	default:
		return fmt.Errorf("invalid run status %q", rs.Status)
	}
	for id, t := range rs.Tasks {
		if t == nil {
			return fmt.Errorf("task %s: nil state", id)
		}
		switch t.Status {
		case TaskPending, TaskRunning, TaskValidated, TaskComplete, TaskFailed,
			TaskNeedsHumanReview, TaskNeedsRescope, TaskRescopeRequired, TaskSkipped:
		default:
			return fmt.Errorf("task %s: invalid status %q", id, t.Status)
		}
	}
	return nil
}

// Save validates rs, sets UpdatedAt, and atomically replaces the state file:
// write to a uuid-suffixed tmp file in the same directory, fsync, rename
// over the canonical path. Either the whole new document is visible or the
// old one is — there is no partial save (spec §4.3, invariant 1).
func (s *Store) Save(rs *RunState, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs.UpdatedAt = now
	if rs.SchemaVersion == 0 {
		rs.SchemaVersion = CurrentSchemaVersion
	}

	if err := Validate(rs); err != nil {
		return errs.Internal("run state failed validation before save", err)
	}

	if err := paths.EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}

	tmpPath := s.path + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}

	return nil
}

// LoadResult reports whether staleness recovery fired during Load, so the
// caller can emit the run.stale_recovery event with access to the log it
// owns.
type LoadResult struct {
	State             *RunState
	StaleRecoveryFired bool
	StaleReason        string
}

// Load reads and schema-validates the state file, applying staleness
// recovery (spec §4.3) if the run is `running` but stale.
func (s *Store) Load(now time.Time) (*LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.TaskError(
				fmt.Sprintf("no run state found at %s", s.path),
				"run `mycelium run` to start a new run, or check --run-id",
				err)
		}
		return nil, fmt.Errorf("reading run state: %w", err)
	}

	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, errs.ConfigError(
			fmt.Sprintf("run state at %s is corrupt or from an incompatible schema: %s", s.path, err),
			"run `mycelium resume` to attempt recovery, or `mycelium clean` to discard it",
			err)
	}
	if err := Validate(&rs); err != nil {
		return nil, errs.ConfigError(
			fmt.Sprintf("run state at %s failed schema validation: %s", s.path, err),
			"run `mycelium resume` to attempt recovery, or `mycelium clean` to discard it",
			err)
	}

	result := &LoadResult{State: &rs}

	if rs.Status == RunRunning && now.Sub(rs.UpdatedAt) > StalenessThreshold {
		reason := fmt.Sprintf("Stale recovery: run not updated since %s (older than %s)",
			rs.UpdatedAt.Format(time.RFC3339), StalenessThreshold)
		rs.Status = RunPaused
		resetRunningTasks(&rs, reason, now)
		result.StaleRecoveryFired = true
		result.StaleReason = reason
	}

	return result, nil
}

// resetRunningTasks implements spec §4.3's stale-recovery task reset:
// every `running` task becomes `pending` with cleared transient fields and
// its validator results cleared; any `running` batch becomes `failed`,
// completed_at stamped with now (the actual recovery time, not the stale
// state's last UpdatedAt). Idempotent: a second application on an
// already-reset state is a no-op, satisfying spec §8 invariant 7.
func resetRunningTasks(rs *RunState, reason string, now time.Time) {
	for _, t := range rs.Tasks {
		if t.Status != TaskRunning {
			continue
		}
		t.Status = TaskPending
		t.BatchID = ""
		t.Branch = ""
		t.Workspace = ""
		t.ContainerID = ""
		t.LogsDir = ""
		t.ValidatorResults = nil
		t.LastError = reason
	}
	for i := range rs.Batches {
		if rs.Batches[i].Status == BatchRunning {
			rs.Batches[i].Status = BatchFailed
			completed := now
			rs.Batches[i].CompletedAt = &completed
		}
	}
}

// ResetRunningTasks is the exported form used by the orchestrator when it
// needs to force a reset outside of Load (e.g. an operator-triggered
// `mycelium resume --force-reset`).
func ResetRunningTasks(rs *RunState, reason string, now time.Time) {
	resetRunningTasks(rs, reason, now)
}

// EmitStaleRecoveryEvent appends the run.stale_recovery event spec §4.3
// requires whenever Load's LoadResult reports StaleRecoveryFired.
func EmitStaleRecoveryEvent(log *eventlog.Log, reason string) error {
	e, err := eventlog.NewEvent("run.stale_recovery", "", 0, map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return log.Append(e)
}
