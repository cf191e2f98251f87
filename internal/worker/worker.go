package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/JamesPaynter/mycelium/internal/budget"
	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/gitrepo"
	"github.com/JamesPaynter/mycelium/internal/manifest"
	"github.com/JamesPaynter/mycelium/internal/paths"
	"github.com/JamesPaynter/mycelium/internal/scope"
)

func writeLog(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// Outcome is the terminal disposition a worker attempt loop hands back to
// the orchestrator (C10), which maps it onto a state.TaskStatus transition.
type Outcome string

const (
	// OutcomeDoctorGreen means the attempt reached a passing doctor run.
	OutcomeDoctorGreen Outcome = "doctor_green"
	// OutcomeFailed means maxRetries was exhausted without a green doctor.
	OutcomeFailed Outcome = "failed"
	// OutcomeAutoRescoped means the manifest was amended and the task
	// should be reset to pending for a future batch.
	OutcomeAutoRescoped Outcome = "auto_rescoped"
	// OutcomeRescopeRequired means an out-of-scope change collided with
	// another task's write lock and cannot be healed automatically.
	OutcomeRescopeRequired Outcome = "rescope_required"
)

// Params bundles everything one worker invocation needs, mirroring the
// `{taskId, manifest, spec, doctorCmd, lintCmd?, bootstrapCmds[], maxRetries,
// testPaths, tddMode}` signature of spec §4.7.
type Params struct {
	Home, Project, RunID, TaskSlug string

	Manifest      *manifest.Manifest
	Spec          string
	WorkspaceDir  string
	DoctorCmd     string
	LintCmd       string
	FastTestCmd   string
	BootstrapCmds []string
	MaxRetries    int
	CommandTimeout time.Duration

	Graph                  scope.GraphModel
	AllowedComponents      []string
	EnforcementMode        scope.EnforcementMode
	ConflictingWriteLocks  map[string]bool

	Agent          Agent
	Events         *eventlog.Log
	ResumeThreadID string
}

// Result is what a worker invocation reports back.
type Result struct {
	Outcome           Outcome
	Attempts          int
	ThreadID          string
	AppendedWrites    []string
	CheckpointCommits []string
	LastError         string
	Usage             []budget.TurnCompletedUsage
}

// Run drives a task's attempt loop to a green doctor or surrender, per
// spec §4.7.
func Run(ctx context.Context, p Params) (*Result, error) {
	repo := gitrepo.NewRepo(p.WorkspaceDir)
	result := &Result{ThreadID: p.ResumeThreadID}
	logsDir := paths.TaskLogsDir(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug)
	if err := paths.EnsureDir(logsDir); err != nil {
		return nil, fmt.Errorf("creating task logs directory: %w", err)
	}

	var evidence string
	bootstrapConsumed := false

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt
		rec := AttemptRecord{Phase: "bootstrap", PromptKind: "implementation"}

		if attempt == 1 && len(p.BootstrapCmds) > 0 {
			p.emit("bootstrap.start", attempt, nil)
			cmds, err := p.runBootstrap(ctx, repo, attempt)
			rec.Commands.Bootstrap = cmds
			rec.BootstrapConsumed = true
			bootstrapConsumed = true
			if err != nil {
				p.emit("bootstrap.failed", attempt, map[string]string{"error": err.Error()})
				rec.Retry = &RetryReason{ReasonCode: "bootstrap_failed", HumanReadableReason: err.Error()}
				_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
				result.Outcome = OutcomeFailed
				result.LastError = err.Error()
				return result, nil
			}
			p.emit("bootstrap.complete", attempt, nil)
		} else {
			p.emit("bootstrap.skip", attempt, nil)
		}
		rec.BootstrapConsumed = bootstrapConsumed

		if p.Manifest.TDDMode == manifest.TDDStrict && len(p.Manifest.TestPaths) > 0 && p.FastTestCmd != "" {
			stagePassed, stageErr, stageRetry := p.runTDDStageA(ctx, repo, attempt)
			rec.TDD = &TDDRecord{Stage: "a", Pass: stagePassed}
			if stageRetry != nil {
				rec.Retry = stageRetry
				_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
				evidence = stageErr
				continue
			}
			if ckpt, ok := p.maybeCheckpoint(repo); ok {
				result.CheckpointCommits = append(result.CheckpointCommits, ckpt)
			}
		}

		turnResult, usage, turnErr := p.runImplementationTurn(ctx, attempt, evidence)
		result.ThreadID = turnResult.ThreadID
		result.Usage = append(result.Usage, usage...)
		if turnErr != nil {
			rec.Retry = &RetryReason{ReasonCode: "agent_error", HumanReadableReason: turnErr.Error()}
			_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
			evidence = turnErr.Error()
			continue
		}

		changed, err := repo.ChangedFilesWorkingTree()
		if err != nil {
			return nil, fmt.Errorf("snapshotting changed files: %w", err)
		}
		if len(changed) > 0 {
			if err := repo.StageAll(); err != nil {
				return nil, fmt.Errorf("staging changes: %w", err)
			}
			if err := repo.Commit(fmt.Sprintf("mycelium: task %s attempt %d", p.Manifest.ID, attempt)); err != nil {
				return nil, fmt.Errorf("committing changes: %w", err)
			}
		}

		if p.EnforcementMode != scope.EnforcementOff && p.Graph != nil {
			eval := scope.Evaluate(p.Graph, changed, p.AllowedComponents)
			if eval.Status == scope.StatusOutOfScope {
				p.emit("scope.violation", attempt, map[string]interface{}{
					"missing_components": eval.MissingComponents,
					"mode":               string(p.EnforcementMode),
				})
				if p.EnforcementMode == scope.EnforcementWarn || scope.Rescopable(eval, p.ConflictingWriteLocks) {
					result.AppendedWrites = append(result.AppendedWrites, changed...)
					result.Outcome = OutcomeAutoRescoped
					rec.Retry = &RetryReason{ReasonCode: "scope_violation", HumanReadableReason: eval.Reason, EvidencePaths: eval.MissingComponents}
					_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
					return result, nil
				}
				rec.Retry = &RetryReason{ReasonCode: "scope_violation", HumanReadableReason: eval.Reason, EvidencePaths: eval.MissingComponents}
				_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
				result.Outcome = OutcomeRescopeRequired
				result.LastError = eval.Reason
				return result, nil
			}
		}

		if p.LintCmd != "" {
			lintRec, lintErr, lintOut := p.runChecked(ctx, repo, p.LintCmd, paths.TaskLintLogPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt))
			rec.Commands.Lint = &lintRec
			if lintErr != nil {
				p.emit("lint.fail", attempt, nil)
				rec.Retry = &RetryReason{ReasonCode: "lint_failed", HumanReadableReason: lintErr.Error(), EvidencePaths: []string{lintRec.LogPath}}
				_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
				evidence = lintOut
				continue
			}
			p.emit("lint.pass", attempt, nil)
		}

		p.emit("doctor.start", attempt, nil)
		doctorRec, doctorErr, doctorOut := p.runChecked(ctx, repo, p.DoctorCmd, paths.TaskDoctorLogPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt))
		rec.Commands.Doctor = &doctorRec
		if doctorErr != nil {
			p.emit("doctor.fail", attempt, nil)
			rec.Retry = &RetryReason{ReasonCode: "doctor_failed", HumanReadableReason: doctorErr.Error(), EvidencePaths: []string{doctorRec.LogPath}}
			_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)
			evidence = doctorOut
			continue
		}
		p.emit("doctor.pass", attempt, nil)
		rec.Phase = "complete"
		_ = writeAttemptRecord(paths.TaskAttemptRecordPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt), rec)

		result.Outcome = OutcomeDoctorGreen
		return result, nil
	}

	result.Outcome = OutcomeFailed
	result.LastError = evidence
	return result, nil
}

func (p *Params) emit(eventType string, attempt int, payload interface{}) {
	if p.Events == nil {
		return
	}
	e, err := eventlog.NewEvent(eventType, p.Manifest.ID, attempt, payload)
	if err != nil {
		return
	}
	_ = p.Events.Append(e)
}

func (p *Params) runBootstrap(ctx context.Context, repo *gitrepo.Repo, attempt int) ([]CommandRecord, error) {
	var recs []CommandRecord
	logPath := paths.TaskBootstrapLogPath(p.Home, p.Project, p.RunID, p.Manifest.ID, p.TaskSlug, attempt)
	for _, cmdline := range p.BootstrapCmds {
		p.emit("bootstrap.cmd.start", attempt, map[string]string{"command": cmdline})
		rec, err, out := p.runChecked(ctx, repo, cmdline, logPath)
		recs = append(recs, rec)
		if err != nil {
			p.emit("bootstrap.cmd.fail", attempt, map[string]string{"command": cmdline, "output": out})
			return recs, fmt.Errorf("bootstrap command %q: %w", cmdline, err)
		}
		p.emit("bootstrap.cmd.complete", attempt, map[string]string{"command": cmdline})
	}
	return recs, nil
}

// runTDDStageA prompts the agent for tests only, rejects implementation
// changes, and runs the fast test command. Returns (passed, evidence for
// retry, retryReason if the attempt should move to the next attempt number
// instead of falling through to the implementation turn).
func (p *Params) runTDDStageA(ctx context.Context, repo *gitrepo.Repo, attempt int) (bool, string, *RetryReason) {
	p.emit("tdd.stage.start", attempt, map[string]string{"stage": "a"})

	before, _ := repo.ChangedFilesWorkingTree()
	turn, err := p.Agent.RunTurn(ctx, p.WorkspaceDir, buildTDDPrompt(p.Manifest, p.Spec), p.ResumeThreadID)
	if turn.ThreadID != "" {
		p.ResumeThreadID = turn.ThreadID
	}
	if err != nil {
		return false, err.Error(), &RetryReason{ReasonCode: "agent_error", HumanReadableReason: err.Error()}
	}

	after, _ := repo.ChangedFilesWorkingTree()
	newFiles := diffFileSets(before, after)

	var badFiles []string
	for _, f := range newFiles {
		if !manifest.MatchesAny(p.Manifest.TestPaths, f) {
			badFiles = append(badFiles, f)
		}
	}
	if len(badFiles) > 0 {
		p.emit("tdd.stage.fail", attempt, map[string]interface{}{"bad_files": badFiles})
		return false, "", &RetryReason{
			ReasonCode:          "tdd_scope_violation",
			HumanReadableReason: "strict TDD stage A touched files outside test_paths",
			EvidencePaths:       badFiles,
		}
	}

	out, err := p.runFastTest(ctx, repo)
	if err != nil {
		p.emit("tdd.stage.fail", attempt, nil)
		return false, out, &RetryReason{ReasonCode: "tdd_fast_test_failed", HumanReadableReason: err.Error()}
	}

	p.emit("tdd.stage.pass", attempt, nil)
	return true, "", nil
}

func (p *Params) maybeCheckpoint(repo *gitrepo.Repo) (string, bool) {
	has, err := repo.HasChanges()
	if err != nil || !has {
		return "", false
	}
	if err := repo.StageAll(); err != nil {
		return "", false
	}
	if err := repo.Commit(fmt.Sprintf("mycelium: task %s tdd stage a checkpoint", p.Manifest.ID)); err != nil {
		return "", false
	}
	hash, err := repo.HeadCommit("HEAD")
	if err != nil {
		return "", false
	}
	return hash, true
}

func (p *Params) runImplementationTurn(ctx context.Context, attempt int, evidence string) (AgentTurnResult, []budget.TurnCompletedUsage, error) {
	prompt := buildImplementationPrompt(p.Manifest, p.Spec, evidence)
	if p.ResumeThreadID == "" {
		p.emit("codex.thread.started", attempt, nil)
	} else {
		p.emit("codex.thread.resumed", attempt, map[string]string{"thread_id": p.ResumeThreadID})
	}
	p.emit("turn.start", attempt, nil)

	turn, err := p.Agent.RunTurn(ctx, p.WorkspaceDir, prompt, p.ResumeThreadID)
	var usage []budget.TurnCompletedUsage
	for _, raw := range turn.Events {
		p.emit("codex.event", attempt, raw)
		if u, ok := budget.ParseTurnCompleted(raw); ok {
			usage = append(usage, u)
		}
	}
	if err != nil {
		p.emit("turn.complete", attempt, map[string]string{"error": err.Error()})
		return turn, usage, err
	}
	p.emit("turn.complete", attempt, nil)
	return turn, usage, nil
}

func (p *Params) runFastTest(ctx context.Context, repo *gitrepo.Repo) (string, error) {
	out, err := p.runShell(ctx, p.FastTestCmd)
	return out, err
}

// runChecked runs a shell command, writes its combined output to logPath,
// and returns a CommandRecord plus the raw output for evidence injection.
func (p *Params) runChecked(ctx context.Context, repo *gitrepo.Repo, cmdline, logPath string) (CommandRecord, error, string) {
	out, err := p.runShell(ctx, cmdline)
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	_ = writeLog(logPath, out)
	rec := CommandRecord{Command: cmdline, ExitCode: exitCode, LogPath: logPath}
	return rec, err, out
}

func (p *Params) runShell(ctx context.Context, cmdline string) (string, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if p.CommandTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.CommandTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdline)
	cmd.Dir = p.WorkspaceDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

func diffFileSets(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, f := range before {
		seen[f] = true
	}
	var out []string
	for _, f := range after {
		if !seen[f] {
			out = append(out, f)
		}
	}
	return out
}
