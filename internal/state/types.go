// Package state implements the atomic, schema-validated run-state store
// (C3): RunState persistence, staleness recovery, and the task/batch
// lifecycle state machine. It generalizes the teacher's
// internal/engine/state.go (per-station JSON status files, stale-active
// recovery) from one-file-per-station to one-document-per-run with atomic
// whole-document replace.
package state

import "time"

// RunStatus is the top-level lifecycle of a run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunPaused   RunStatus = "paused"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
	RunStopped  RunStatus = "stopped"
)

// BatchStatus is the lifecycle of one scheduled batch.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchFailed   BatchStatus = "failed"
)

// TaskStatus is the lifecycle of one task within a run.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskRunning           TaskStatus = "running"
	TaskValidated         TaskStatus = "validated"
	TaskComplete          TaskStatus = "complete"
	TaskFailed            TaskStatus = "failed"
	TaskNeedsHumanReview  TaskStatus = "needs_human_review"
	TaskNeedsRescope      TaskStatus = "needs_rescope"
	TaskRescopeRequired   TaskStatus = "rescope_required"
	TaskSkipped           TaskStatus = "skipped"
)

// ControlPlaneSnapshot pins the base SHA and graph fingerprint a run was
// planned against.
type ControlPlaneSnapshot struct {
	BaseSHA         string `json:"base_sha"`
	GraphFingerprint string `json:"graph_fingerprint"`
}

// Batch is a maximal set of mutually non-conflicting tasks scheduled
// together.
type Batch struct {
	BatchID                 string            `json:"batch_id"`
	Status                  BatchStatus       `json:"status"`
	Tasks                   []string          `json:"tasks"`
	StartedAt               *time.Time        `json:"started_at,omitempty"`
	CompletedAt             *time.Time        `json:"completed_at,omitempty"`
	MergeCommit             string            `json:"merge_commit,omitempty"`
	IntegrationDoctorPassed bool              `json:"integration_doctor_passed,omitempty"`
	Locks                   []string          `json:"locks,omitempty"`
	DoctorMeta              *DoctorMetaResult `json:"doctor_meta,omitempty"`
}

// DoctorMetaResult records the outcome of the batch-scoped doctor
// validator that runs once per batch rather than once per task. Trigger
// is one of {cadence, integration_doctor_failed, doctor_canary_failed,
// manual}.
type DoctorMetaResult struct {
	Trigger    string `json:"trigger"`
	Status     string `json:"status"`
	Summary    string `json:"summary"`
	ReportPath string `json:"report_path,omitempty"`
}

// ValidatorResult is one normalized validator outcome, per C8.
type ValidatorResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // pass, fail, error
	Summary    string `json:"summary"`
	ReportPath string `json:"report_path,omitempty"`
	Mode       string `json:"mode"` // off, warn, block
}

// UsageRecord is one attempt's token/cost tally, per C12.
type UsageRecord struct {
	Attempt         int     `json:"attempt"`
	InputTokens     int64   `json:"input_tokens"`
	CachedTokens    int64   `json:"cached_input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	TotalTokens     int64   `json:"total_tokens"`
	EstimatedCost   float64 `json:"estimated_cost"`
}

// HumanReviewNote records why a task was routed to a human.
type HumanReviewNote struct {
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // validator name, or "budget"
	CreatedAt time.Time `json:"created_at"`
}

// TaskState is the per-task lifecycle record inside a RunState.
type TaskState struct {
	Status             TaskStatus        `json:"status"`
	Attempts           int               `json:"attempts"`
	BatchID            string            `json:"batch_id,omitempty"`
	Branch             string            `json:"branch,omitempty"`
	Workspace          string            `json:"workspace,omitempty"`
	LogsDir            string            `json:"logs_dir,omitempty"`
	ContainerID        string            `json:"container_id,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CheckpointCommits  []string          `json:"checkpoint_commits,omitempty"`
	ValidatorResults   []ValidatorResult `json:"validator_results,omitempty"`
	HumanReview        *HumanReviewNote  `json:"human_review,omitempty"`
	TokensUsed         int64             `json:"tokens_used"`
	EstimatedCost      float64           `json:"estimated_cost"`
	UsageByAttempt     []UsageRecord     `json:"usage_by_attempt,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	ThreadID           string            `json:"thread_id,omitempty"`
}

// RunState is the complete persisted state of one orchestrator run.
type RunState struct {
	RunID        string                `json:"run_id"`
	Project      string                `json:"project"`
	RepoPath     string                `json:"repo_path"`
	MainBranch   string                `json:"main_branch"`
	StartedAt    time.Time             `json:"started_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Status       RunStatus             `json:"status"`
	Batches      []Batch               `json:"batches"`
	Tasks        map[string]*TaskState `json:"tasks"`
	TokensUsed   int64                 `json:"tokens_used"`
	EstimatedCost float64              `json:"estimated_cost"`
	ControlPlane *ControlPlaneSnapshot `json:"control_plane,omitempty"`

	// SchemaVersion supports the "legacy states missing optional fields
	// remain loadable" contract of spec §6.
	SchemaVersion int `json:"schema_version"`
}

// CurrentSchemaVersion is bumped whenever RunState gains a field that older
// loaders must still tolerate (additive-only, per spec §6).
const CurrentSchemaVersion = 1

// New creates a freshly-initialized RunState for a new run.
func New(runID, project, repoPath, mainBranch string, now time.Time) *RunState {
	return &RunState{
		RunID:         runID,
		Project:       project,
		RepoPath:      repoPath,
		MainBranch:    mainBranch,
		StartedAt:     now,
		UpdatedAt:     now,
		Status:        RunRunning,
		Batches:       []Batch{},
		Tasks:         map[string]*TaskState{},
		SchemaVersion: CurrentSchemaVersion,
	}
}
