// Package budget implements per-attempt token/cost accounting and budget-
// breach detection (C12). It has no teacher analogue (the teacher tracks no
// token usage); its metrics surface follows the corpus's Prometheus idiom
// (tombee-conductor, kadirpekel-hector expose client_golang registries
// alongside their core engines).
package budget

import (
	"encoding/json"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

// TurnCompletedUsage is the subset of a `codex.event` turn.completed
// payload the accountant reads.
type TurnCompletedUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// ParseTurnCompleted extracts usage from a raw codex.event payload whose
// inner event.type is "turn.completed". Returns ok=false for any other
// event shape.
func ParseTurnCompleted(raw json.RawMessage) (TurnCompletedUsage, bool) {
	var envelope struct {
		Event struct {
			Type  string `json:"type"`
			Usage TurnCompletedUsage `json:"usage"`
		} `json:"event"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return TurnCompletedUsage{}, false
	}
	if envelope.Event.Type != "turn.completed" {
		return TurnCompletedUsage{}, false
	}
	return envelope.Event.Usage, true
}

// Total sums the three token buckets, per spec §4.12.
func (u TurnCompletedUsage) Total() int64 {
	return u.InputTokens + u.CachedInputTokens + u.OutputTokens
}

// CostPer1k computes cost rounded to four decimals, per spec §4.12.
func CostPer1k(tokens int64, costPer1k float64) float64 {
	cost := float64(tokens) / 1000 * costPer1k
	return math.Round(cost*10000) / 10000
}

// Scope is the level a budget check is evaluated at.
type Scope string

const (
	ScopeTask Scope = "task"
	ScopeRun  Scope = "run"
)

// Kind is the unit a budget limits.
type Kind string

const (
	KindTokens Kind = "tokens"
	KindCost   Kind = "cost"
)

// Mode determines what happens on a breach.
type Mode string

const (
	ModeWarn  Mode = "warn"
	ModeBlock Mode = "block"
)

// Limit is one configured budget.
type Limit struct {
	Scope Scope
	Kind  Kind
	Mode  Mode
	Max   float64
}

// Crossing reports a limit transitioning from <= to > its max.
type Crossing struct {
	Limit Limit
	Value float64
}

// CheckCrossing fires exactly once per crossing: before<=limit.Max and
// after>limit.Max, per spec §4.12. Callers track `before` from the prior
// accounting call.
func CheckCrossing(limit Limit, before, after float64) (Crossing, bool) {
	if before <= limit.Max && after > limit.Max {
		return Crossing{Limit: limit, Value: after}, true
	}
	return Crossing{}, false
}

// Metrics exposes Prometheus gauges for run/task token and cost usage,
// supplementing the JSONL event log with an operator-facing surface
// (spec.md is silent on metrics; this is a SPEC_FULL.md supplement).
type Metrics struct {
	RunTokensUsed  *prometheus.GaugeVec
	TaskCostDollars *prometheus.GaugeVec
}

// NewMetrics registers the budget gauges against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunTokensUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mycelium_run_tokens_used",
			Help: "Total tokens consumed by a run so far.",
		}, []string{"run_id", "project"}),
		TaskCostDollars: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mycelium_task_cost_dollars",
			Help: "Estimated cost in dollars consumed by a task so far.",
		}, []string{"run_id", "task_id"}),
	}
	reg.MustRegister(m.RunTokensUsed, m.TaskCostDollars)
	return m
}
