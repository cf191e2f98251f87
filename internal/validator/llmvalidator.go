package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/JamesPaynter/mycelium/internal/llmclient"
)

// LLMValidator implements Validator by prompting an llmclient.Client and
// parsing a PASS/FAIL-prefixed response, grounded on
// ShayCichocki-Alphie's internal/api.Verifier.verifyWithJudge (strict
// prompt, `strings.HasPrefix(response, "PASS")` parsing).
type LLMValidator struct {
	name       string
	client     llmclient.Client
	model      string
	promptTmpl string
}

// Style of judge prompt the validator uses, one per spec §4.8 kind.
const (
	KindTest         = "test"
	KindStyle        = "style"
	KindArchitecture = "architecture"
	KindDoctorMeta   = "doctor-meta"
)

var promptTemplates = map[string]string{
	KindTest: "Review the following diff and judge whether the declared tests actually exercise the new behavior, " +
		"rather than being incidental or tautological.\n\n%s\n\nRespond with exactly one of:\n- PASS: <reason>\n- FAIL: <specific gaps>",
	KindStyle: "Review the following diff for adherence to idiomatic style of the surrounding codebase.\n\n%s\n\n" +
		"Respond with exactly one of:\n- PASS: <reason>\n- FAIL: <specific violations>",
	KindArchitecture: "Review the following diff for violations of the project's architectural boundaries.\n\n%s\n\n" +
		"Respond with exactly one of:\n- PASS: changes are consistent with the architecture\n- FAIL: <specific violations>",
	KindDoctorMeta: "Review the following doctor command output and judge whether the failure (if any) is a " +
		"flaky/environmental failure versus a real regression.\n\n%s\n\n" +
		"Respond with exactly one of:\n- PASS: <reason>\n- FAIL: <reason it is a real regression>",
}

// NewLLMValidator builds a judge-backed validator for one of the Kind*
// prompt styles.
func NewLLMValidator(name, kind string, client llmclient.Client, model string) (*LLMValidator, error) {
	tmpl, ok := promptTemplates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown validator kind %q", kind)
	}
	return &LLMValidator{name: name, client: client, model: model, promptTmpl: tmpl}, nil
}

// Name implements Validator.
func (v *LLMValidator) Name() string { return v.name }

// Validate implements Validator.
func (v *LLMValidator) Validate(ctx context.Context, taskID string, diff DiffSummary, workspaceDir string) (Result, error) {
	if diff.Diff == "" {
		return Result{Status: StatusPass, Summary: "no changes to review"}, nil
	}

	prompt := fmt.Sprintf(v.promptTmpl, diff.Diff)
	resp, err := v.client.Complete(ctx, llmclient.Request{Prompt: prompt, Model: v.model, MaxTokens: 1024})
	if err != nil {
		return Result{}, fmt.Errorf("%s validator: %w", v.name, err)
	}

	text := strings.TrimSpace(resp.Text)
	if strings.HasPrefix(text, "PASS") {
		return Result{Status: StatusPass, Summary: text}, nil
	}
	return Result{Status: StatusFail, Summary: text}, nil
}
