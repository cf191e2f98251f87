// Package errs defines the orchestrator's typed, user-facing error taxonomy.
// Any error a component cannot recover from is wrapped into one of these
// before it reaches the CLI layer, which prints Title/Message/Hint and maps
// Code to a process exit code.
package errs

import (
	"fmt"
	"strings"
)

// Code identifies which taxonomy bucket an error belongs to, per spec §7.
type Code string

const (
	CodeConfig             Code = "config_error"
	CodeTask               Code = "task_error"
	CodeSchedulerPlacement Code = "scheduler_placement_failed"
	CodeValidatorBlock     Code = "validator_block"
	CodeBudgetBreach       Code = "budget_breach"
	CodeDocker             Code = "docker_error"
	CodeGit                Code = "git_error"
	CodeInternal           Code = "internal_error"
)

// UserError is a typed, user-facing error carrying enough context for the
// CLI to print an actionable message without re-deriving it from the cause.
type UserError struct {
	Code    Code
	Title   string
	Message string
	Hint    string
	Cause   error
}

func (e *UserError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Title, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Message)
}

func (e *UserError) Unwrap() error { return e.Cause }

// ExitCode maps a Code to the process exit code spec §6 requires:
// 0 success, 1 user-facing failure, 2 internal error.
func (e *UserError) ExitCode() int {
	if e.Code == CodeInternal {
		return 2
	}
	return 1
}

func newErr(code Code, title, message, hint string, cause error) *UserError {
	return &UserError{Code: code, Title: title, Message: message, Hint: hint, Cause: cause}
}

func ConfigError(message, hint string, cause error) *UserError {
	return newErr(CodeConfig, "Configuration error", message, hint, cause)
}

func TaskError(message, hint string, cause error) *UserError {
	return newErr(CodeTask, "Task error", message, hint, cause)
}

func SchedulerPlacementFailed(message string) *UserError {
	return newErr(CodeSchedulerPlacement, "Scheduler placement failed", message, "", nil)
}

func ValidatorBlock(validatorName, summary string) *UserError {
	return newErr(CodeValidatorBlock, "Validator blocked merge",
		fmt.Sprintf("%s validator blocked merge: %s", validatorName, summary), "", nil)
}

func BudgetBreach(scope, kind, message string) *UserError {
	return newErr(CodeBudgetBreach, "Budget breach",
		fmt.Sprintf("%s %s budget breached: %s", scope, kind, message), "", nil)
}

func DockerError(message string, cause error) *UserError {
	return newErr(CodeDocker, "Container runtime error", message, "retry with --local-worker", cause)
}

func GitError(stdout, stderr string, cause error) *UserError {
	return newErr(CodeGit, "Git error", fmt.Sprintf("%s\n%s", stdout, stderr), "", cause)
}

func Internal(message string, cause error) *UserError {
	return newErr(CodeInternal, "Internal error", message, "", cause)
}

// IsMergeConflict recognizes merge-conflict output per spec §7.
func IsMergeConflict(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "automatic merge failed") || strings.Contains(lower, "merge conflict")
}
