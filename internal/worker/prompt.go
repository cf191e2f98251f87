package worker

import (
	"fmt"
	"strings"

	"github.com/JamesPaynter/mycelium/internal/manifest"
)

// DefaultEvidenceLimitBytes is the DOCTOR_PROMPT_LIMIT of spec §4.7: prior
// failure evidence injected into the next prompt is truncated to this many
// bytes, keeping retries from growing the prompt unboundedly.
const DefaultEvidenceLimitBytes = 8000

// truncateEvidence keeps the tail of s (the most recent, most relevant
// output) when it exceeds limit bytes.
func truncateEvidence(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return "...(truncated)...\n" + s[len(s)-limit:]
}

func buildTDDPrompt(m *manifest.Manifest, specText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task %s: %s\n\n", m.ID, m.Name)
	sb.WriteString("## Spec\n\n")
	sb.WriteString(specText + "\n\n")
	sb.WriteString("## Instructions\n\n")
	sb.WriteString("Write or modify tests only. Do not change any implementation file.\n")
	sb.WriteString("Only files matching these test path globs may be touched:\n")
	for _, p := range m.TestPaths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return sb.String()
}

func buildImplementationPrompt(m *manifest.Manifest, specText, evidence string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task %s: %s\n\n", m.ID, m.Name)
	sb.WriteString(m.Description + "\n\n")
	sb.WriteString("## Spec\n\n")
	sb.WriteString(specText + "\n\n")
	sb.WriteString("## You may write to\n\n")
	for _, p := range m.Files.Writes {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	if evidence != "" {
		sb.WriteString("\n## Prior failure evidence\n\n```\n")
		sb.WriteString(truncateEvidence(evidence, DefaultEvidenceLimitBytes))
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

func buildRescopePrompt(base string, badFiles []string) string {
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n## Rescope required\n\n")
	sb.WriteString("The previous turn changed files outside the permitted test paths:\n")
	for _, f := range badFiles {
		fmt.Fprintf(&sb, "- %s\n", f)
	}
	sb.WriteString("Undo those changes and only touch the permitted test paths.\n")
	return sb.String()
}
