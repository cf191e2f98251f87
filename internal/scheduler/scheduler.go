// Package scheduler implements the deterministic greedy batcher (C5):
// given a ready set of tasks and a maxParallel bound, it walks the set in
// order and places each task that conflicts with none already placed into
// one batch, skipping conflicting tasks rather than stopping at them.
// It generalizes the teacher's internal/engine/engine.go:topologicalLevels
// (which groups a fixed watch-chain into parallel levels) into conflict-aware
// placement over an arbitrary ready set, in the same spirit as the
// Kahn's-algorithm in-degree bookkeeping seen in the corpus's DAG
// schedulers (other_examples/.../dag_scheduler.go.go).
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JamesPaynter/mycelium/internal/errs"
)

// Task is the minimal view the scheduler needs of a ready task.
type Task struct {
	ID     string
	Reads  []string
	Writes []string
}

// conflicts reports whether two tasks' lock sets conflict: shared writes,
// or one writes what the other reads. Reads alone never conflict.
func conflicts(a, b Task) bool {
	aw := toSet(a.Writes)
	bw := toSet(b.Writes)
	ar := toSet(a.Reads)
	br := toSet(b.Reads)

	for w := range aw {
		if bw[w] {
			return true
		}
		if br[w] {
			return true
		}
	}
	for w := range bw {
		if ar[w] {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}

// BuildGreedyBatch sorts ready tasks by numeric id (falling back to
// lexicographic order for non-numeric ids) and greedily accepts each task
// that conflicts with none already accepted, until the batch reaches
// maxParallel or the ready list is exhausted. The result is deterministic:
// identical inputs always yield a byte-identical batch sequence (spec §4.5).
func BuildGreedyBatch(ready []Task, maxParallel int) ([]Task, error) {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	sorted := make([]Task, len(ready))
	copy(sorted, ready)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessTaskID(sorted[i].ID, sorted[j].ID)
	})

	var batch []Task
	for _, t := range sorted {
		if len(batch) >= maxParallel {
			break
		}
		conflictsWithBatch := false
		for _, accepted := range batch {
			if conflicts(t, accepted) {
				conflictsWithBatch = true
				break
			}
		}
		if !conflictsWithBatch {
			batch = append(batch, t)
		}
	}

	if len(batch) == 0 && len(sorted) > 0 {
		return nil, errs.SchedulerPlacementFailed(debugLockLines(sorted))
	}

	return batch, nil
}

func debugLockLines(tasks []Task) string {
	var b strings.Builder
	b.WriteString("no task could be placed in the batch; per-task locks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "  %s: reads=%v writes=%v\n", t.ID, t.Reads, t.Writes)
	}
	return b.String()
}

// lessTaskID sorts numeric-looking ids numerically, and falls back to a
// lexicographic tiebreak otherwise, per spec §4.5 ("sort by numeric id,
// tiebreak lexicographically").
func lessTaskID(a, b string) bool {
	an, aok := parseNumericID(a)
	bn, bok := parseNumericID(b)
	if aok && bok && an != bn {
		return an < bn
	}
	return a < b
}

func parseNumericID(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
