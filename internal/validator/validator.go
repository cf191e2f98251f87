// Package validator implements the post-doctor validator pipeline (C8): a
// linear sequence of optional test/style/architecture/doctor-meta checks,
// each normalized to {status, summary, report_path} and gated by a
// {off,warn,block} mode. The LLM judge bodies are an external Validator
// adapter per spec's Non-goals; this package owns only the pipeline shape
// and result normalization, grounded on the per-phase status-report idiom
// of the teacher's internal/engine/state.go (one JSON document per check,
// read back by the CLI/logs surface).
package validator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// Mode controls what a validator's failure does to the pipeline.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeWarn  Mode = "warn"
	ModeBlock Mode = "block"
)

// Status is a normalized validator outcome.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Config is one validator's declared configuration, per spec §4.8.
type Config struct {
	Name     string `yaml:"name" json:"name"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Mode     Mode   `yaml:"mode" json:"mode"`
	Kind     string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

// DiffSummary is the changed-file list and unified diff text a validator
// inspects, alongside the task and workspace.
type DiffSummary struct {
	Files []string
	Diff  string
}

// Result is a validator's normalized outcome.
type Result struct {
	Status     Status `json:"status"`
	Summary    string `json:"summary"`
	ReportPath string `json:"report_path,omitempty"`
}

// Validator is the external adapter interface every check implements. Its
// body (an LLM judge, a static analyzer, a doctor rerun) is out of scope;
// only the pipeline that drives it lives here.
type Validator interface {
	Name() string
	Validate(ctx context.Context, taskID string, diff DiffSummary, workspaceDir string) (Result, error)
}

// WriteReport writes one validator's result as a JSON document under
// reportsDir, named after the validator. Exported so the orchestrator can
// reuse it for the batch-scoped doctor-meta validator report, which isn't
// produced by Run's per-task loop.
func WriteReport(reportsDir, name string, result Result) (string, error) {
	if reportsDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(reportsDir, name+".json")
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
