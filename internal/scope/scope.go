// Package scope implements scope enforcement (C11): resolving changed
// files to owning components via the external GraphModel collaborator,
// classifying a worker turn's changes against the task's declared and
// derived write locks, and selecting a doctor command via the checkset
// policy. It has no teacher analogue; the checkset policy's "should this
// force the fallback doctor command" decision is expressed with
// github.com/expr-lang/expr, grounded on tombee-conductor's use of expr for
// small, operator-authored policy expressions.
package scope

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
)

// GraphModel is the external control-graph query interface (spec §1's
// "consumed via a GraphModel query interface").
type GraphModel interface {
	// OwnerOf returns the owning component for path, or ok=false if
	// unmapped.
	OwnerOf(path string) (component string, ok bool)
}

// Status is the outcome of a scope evaluation.
type Status string

const (
	StatusPass        Status = "pass"
	StatusOutOfScope  Status = "out_of_scope"
	StatusUnmapped    Status = "unmapped"
)

// Evaluation is the full result of Evaluate, per spec §4.11.
type Evaluation struct {
	Status             Status
	ChangedFiles       []string
	TouchedComponents  []string
	AllowedComponents  []string
	MissingComponents  []string
	UnmappedFiles      []string
	Reason             string
}

// Evaluate resolves changedFiles to components via graph, and classifies
// the result against allowedComponents (declared manifest writes unioned
// with derived write-lock components), per spec §4.11 steps 1-4.
func Evaluate(graph GraphModel, changedFiles []string, allowedComponents []string) Evaluation {
	allowedSet := toSet(allowedComponents)

	touchedSet := map[string]bool{}
	var unmapped []string
	missingSet := map[string]bool{}

	for _, f := range changedFiles {
		comp, ok := graph.OwnerOf(f)
		if !ok {
			unmapped = append(unmapped, f)
			continue
		}
		touchedSet[comp] = true
		if !allowedSet[comp] {
			missingSet[comp] = true
		}
	}

	status := StatusPass
	reason := ""
	switch {
	case len(missingSet) > 0:
		status = StatusOutOfScope
		reason = "changed files touch components outside the declared/derived write scope"
	case len(unmapped) > 0:
		status = StatusUnmapped
		reason = "changed files have no owning component in the graph model"
	}

	return Evaluation{
		Status:            status,
		ChangedFiles:      changedFiles,
		TouchedComponents: sortedKeys(touchedSet),
		AllowedComponents: sortedSlice(allowedComponents),
		MissingComponents: sortedKeys(missingSet),
		UnmappedFiles:     unmapped,
		Reason:            reason,
	}
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSlice(items []string) []string {
	out := append([]string{}, items...)
	sort.Strings(out)
	return out
}

// EnforcementMode mirrors spec §4.7's manifest_enforcement config.
type EnforcementMode string

const (
	EnforcementOff   EnforcementMode = "off"
	EnforcementWarn  EnforcementMode = "warn"
	EnforcementBlock EnforcementMode = "block"
)

// Rescopable decides whether an out-of-scope evaluation can be healed by
// auto-rescope (appending the writes and resetting to pending) versus must
// terminate the task, resolving Open Question (a) from spec §9: a touch is
// rescopable unless it collides with another task's declared write lock
// (conflictingWriteLocks is the set of resource names declared as writes
// by some OTHER pending/running task in the run). No config setting
// changes this rule.
func Rescopable(eval Evaluation, conflictingWriteLocks map[string]bool) bool {
	if eval.Status != StatusOutOfScope {
		return true
	}
	for _, comp := range eval.MissingComponents {
		if conflictingWriteLocks[comp] {
			return false
		}
	}
	return true
}

// CheckDoctorContext is the small struct the checkset policy expression is
// evaluated against.
type CheckDoctorContext struct {
	ComponentsTouched int `expr:"componentsTouched"`
	FilesTouched      int `expr:"filesTouched"`
	SurfaceFilesTouched int `expr:"surfaceFilesTouched"`
}

// DefaultFallbackExpr is used when no operator policy overrides it: force
// the fallback command whenever more components are touched than the
// configured ceiling, or any surface file (e.g. a public API) is touched.
const DefaultFallbackExpr = "componentsTouched > maxComponentsForScoped || surfaceFilesTouched > 0"

// ShouldUseFallback evaluates the checkset policy expression against ctx,
// compiling exprSrc with expr-lang/expr. maxComponentsForScoped is exposed
// to the expression as a variable of the same name.
func ShouldUseFallback(exprSrc string, ctx CheckDoctorContext, maxComponentsForScoped int) (bool, error) {
	if exprSrc == "" {
		exprSrc = DefaultFallbackExpr
	}
	env := map[string]interface{}{
		"componentsTouched":      ctx.ComponentsTouched,
		"filesTouched":           ctx.FilesTouched,
		"surfaceFilesTouched":    ctx.SurfaceFilesTouched,
		"maxComponentsForScoped": maxComponentsForScoped,
	}
	program, err := expr.Compile(exprSrc, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("compiling checkset policy expression: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating checkset policy expression: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("checkset policy expression must evaluate to a bool, got %T", out)
	}
	return result, nil
}

// SelectDoctorCommand implements the checkset policy: per-component
// commands joined with && when within budget and the fallback isn't
// forced, else the fallback command, per spec §4.11.
func SelectDoctorCommand(touchedComponents []string, componentCommands map[string]string, fallbackCommand string, useFallback bool, maxComponentsForScoped int) string {
	if useFallback || len(touchedComponents) > maxComponentsForScoped {
		return fallbackCommand
	}
	cmd := ""
	for i, comp := range touchedComponents {
		c, ok := componentCommands[comp]
		if !ok {
			return fallbackCommand
		}
		if i > 0 {
			cmd += " && "
		}
		cmd += c
	}
	if cmd == "" {
		return fallbackCommand
	}
	return cmd
}
