package state

import (
	"fmt"
	"time"
)

// legalTaskTransitions encodes the state machine of spec §4.3. Operator
// overrides (any non-running status to pending/skipped/complete/failed) are
// handled separately by OperatorOverride since they're not gated on the
// "from" status matching a single fixed set.
var legalTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskRunning: true,
	},
	TaskRunning: {
		TaskValidated:        true,
		TaskFailed:           true,
		TaskNeedsRescope:     true,
		TaskRescopeRequired:  true,
		TaskNeedsHumanReview: true,
		TaskPending:          true, // auto-rescope resets to pending
	},
	TaskValidated: {
		TaskComplete:         true,
		TaskNeedsHumanReview: true,
	},
}

// TransitionTask moves a task from its current status to `to`, enforcing
// the legal-transition table. Terminal statuses other than the ones listed
// above only move via OperatorOverride.
func TransitionTask(t *TaskState, to TaskStatus) error {
	allowed, ok := legalTaskTransitions[t.Status]
	if !ok || !allowed[to] {
		return fmt.Errorf("illegal task transition: %s -> %s", t.Status, to)
	}
	t.Status = to
	if isTerminal(to) {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	return nil
}

// isTerminal reports whether completed_at must be set for this status, per
// spec §3's TaskState invariant.
func isTerminal(s TaskStatus) bool {
	switch s {
	case TaskComplete, TaskFailed, TaskNeedsHumanReview, TaskNeedsRescope, TaskRescopeRequired, TaskValidated:
		return true
	}
	return false
}

// OperatorOverride allows a human to force any non-running task to pending,
// skipped, complete, or failed, per spec §4.3's `any(!running)` row.
func OperatorOverride(t *TaskState, to TaskStatus) error {
	if t.Status == TaskRunning {
		return fmt.Errorf("cannot override a running task; stop it first")
	}
	switch to {
	case TaskPending, TaskSkipped, TaskComplete, TaskFailed:
	default:
		return fmt.Errorf("operator override must target pending, skipped, complete, or failed, got %s", to)
	}
	t.Status = to
	if isTerminal(to) {
		now := time.Now().UTC()
		t.CompletedAt = &now
	} else {
		t.CompletedAt = nil
	}
	return nil
}

// MarkTaskRunning transitions a pending task to running, incrementing
// attempts and recording batch membership, per spec §4.3.
func MarkTaskRunning(t *TaskState, batchID string, now time.Time) error {
	if err := TransitionTask(t, TaskRunning); err != nil {
		return err
	}
	t.Attempts++
	t.BatchID = batchID
	t.StartedAt = &now
	return nil
}
