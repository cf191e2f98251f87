// Package manifest implements the task manifest shape, canonical
// fingerprinting, and kanban/legacy backlog-active-archive layout movement
// (C4). Parsing and validation are grounded on the teacher's
// internal/config/config.go (Load/Validate/detectCycles), generalized from
// a chain of "concerns" to a DAG of "tasks".
package manifest

import "gopkg.in/yaml.v3"

// TDDMode controls how strictly the worker loop enforces test-first
// staging, per spec §4.7.
type TDDMode string

const (
	TDDOff     TDDMode = "off"
	TDDStageA  TDDMode = "stage-a"
	TDDStrict  TDDMode = "strict"
)

// Locks declares the resource names a task reads or writes, for the
// scheduler's conflict arbitration (C5).
type Locks struct {
	Reads  []string `yaml:"reads,omitempty" json:"reads,omitempty"`
	Writes []string `yaml:"writes,omitempty" json:"writes,omitempty"`
}

// Files declares the glob patterns a task is expected to touch, for scope
// enforcement (C11).
type Files struct {
	Reads  []string `yaml:"reads,omitempty" json:"reads,omitempty"`
	Writes []string `yaml:"writes,omitempty" json:"writes,omitempty"`
}

// Verify names the task's health-check command.
type Verify struct {
	Doctor string `yaml:"doctor" json:"doctor"`
}

// Manifest is the canonical shape of one task, immutable once planned
// except for auto-rescope amendments to Files.Writes.
type Manifest struct {
	ID               string   `yaml:"id" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	Description      string   `yaml:"description" json:"description"`
	EstimatedMinutes int      `yaml:"estimated_minutes,omitempty" json:"estimated_minutes,omitempty"`
	Dependencies     []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Locks            Locks    `yaml:"locks" json:"locks"`
	Files            Files    `yaml:"files" json:"files"`
	AffectedTests    []string `yaml:"affected_tests,omitempty" json:"affected_tests,omitempty"`
	TestPaths        []string `yaml:"test_paths,omitempty" json:"test_paths,omitempty"`
	TDDMode          TDDMode  `yaml:"tdd_mode,omitempty" json:"tdd_mode,omitempty"`
	Verify           Verify   `yaml:"verify" json:"verify"`
}

// Parse decodes a single manifest from YAML bytes (the authoring form a
// Planner or a human writes to backlog/<id>/manifest.yaml).
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.TDDMode == "" {
		m.TDDMode = TDDOff
	}
	return &m, nil
}

// Marshal encodes a manifest back to YAML, used when auto-rescope amends
// Files.Writes and rewrites the manifest on disk.
func Marshal(m *Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}
