package cli

import "github.com/JamesPaynter/mycelium/internal/state"

// ANSI escape codes for terminal colors.
const (
	ansiGreen       = "\033[32m"
	ansiCyan        = "\033[36m"
	ansiYellow      = "\033[33m"
	ansiRed         = "\033[31m"
	ansiDim         = "\033[2m"
	ansiBoldMagenta = "\033[1;35m"
	ansiReset       = "\033[0m"
)

// taskStateDisplay returns the symbol and color for a task's status,
// generalized from the teacher's colors.go:stateDisplay (one switch over
// engine.State*) to mycelium's state.TaskStatus lifecycle.
func taskStateDisplay(status state.TaskStatus) (symbol, color string) {
	switch status {
	case state.TaskPending:
		return "◯", ansiYellow
	case state.TaskRunning:
		return "⟳", ansiYellow
	case state.TaskValidated:
		return "◎", ansiCyan
	case state.TaskComplete:
		return "✓", ansiGreen
	case state.TaskFailed:
		return "✗", ansiRed
	case state.TaskNeedsHumanReview:
		return "?", ansiBoldMagenta
	case state.TaskNeedsRescope, state.TaskRescopeRequired:
		return "⚠", ansiYellow
	case state.TaskSkipped:
		return "⊘", ansiDim
	default:
		return "·", ansiReset
	}
}

// runStateColor returns the color for a run's overall status.
func runStateColor(status state.RunStatus) string {
	switch status {
	case state.RunComplete:
		return ansiGreen
	case state.RunFailed:
		return ansiRed
	case state.RunPaused, state.RunStopped:
		return ansiYellow
	default:
		return ansiCyan
	}
}
