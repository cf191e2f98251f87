package scheduler

import "github.com/JamesPaynter/mycelium/internal/state"

// DependencyView is the minimal dependency-graph view the ready-set
// computation needs for one task.
type DependencyView struct {
	ID           string
	Dependencies []string
}

// ReadyTasks returns the ids of tasks whose dependencies are all complete
// and whose own status is still pending, mirroring the in-degree check a
// Kahn's-algorithm scheduler performs before enqueuing a node (the idiom
// followed by other_examples/.../dag_scheduler.go.go's DAGScheduler).
func ReadyTasks(tasks []DependencyView, taskStates map[string]*state.TaskState) []string {
	var ready []string
	for _, t := range tasks {
		ts, ok := taskStates[t.ID]
		if !ok || ts.Status != state.TaskPending {
			continue
		}
		allDepsComplete := true
		for _, dep := range t.Dependencies {
			depState, ok := taskStates[dep]
			if !ok || depState.Status != state.TaskComplete {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, t.ID)
		}
	}
	return ready
}
