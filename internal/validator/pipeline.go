package validator

import (
	"context"
	"fmt"
)

// NamedResult pairs a validator's config with the outcome it produced.
type NamedResult struct {
	Config Config
	Result Result
}

// PipelineResult is the outcome of running the whole pipeline, per
// spec §4.8.
type PipelineResult struct {
	Results     []NamedResult
	Blocked     bool
	BlockReason string
}

// Run executes enabled validators in declaration order, per spec §4.8
// steps 1-4: a `block`-mode fail/error stops the pipeline immediately with
// a BlockReason; a `warn`-mode fail/error is recorded and the pipeline
// continues; `off` validators are skipped.
func Run(ctx context.Context, configs []Config, adapters map[string]Validator, taskID string, diff DiffSummary, workspaceDir, reportsDir string) (PipelineResult, error) {
	var pr PipelineResult
	for _, cfg := range configs {
		if !cfg.Enabled || cfg.Mode == ModeOff {
			continue
		}
		v, ok := adapters[cfg.Name]
		if !ok {
			return pr, fmt.Errorf("no validator adapter registered for %q", cfg.Name)
		}

		result, err := v.Validate(ctx, taskID, diff, workspaceDir)
		if err != nil {
			result = Result{Status: StatusError, Summary: err.Error()}
		}
		if path, writeErr := WriteReport(reportsDir, cfg.Name, result); writeErr == nil {
			result.ReportPath = path
		}

		pr.Results = append(pr.Results, NamedResult{Config: cfg, Result: result})

		if result.Status == StatusFail || result.Status == StatusError {
			if cfg.Mode == ModeBlock {
				pr.Blocked = true
				pr.BlockReason = fmt.Sprintf("%s validator blocked merge: %s", cfg.Name, result.Summary)
				return pr, nil
			}
		}
	}
	return pr, nil
}
