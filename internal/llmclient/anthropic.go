package llmclient

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient wraps the Anthropic SDK, grounded on
// ShayCichocki-Alphie's internal/api.Client: a plain option.WithAPIKey
// client plus a default model, minus the Bedrock path (no corpus component
// exercises it here).
type AnthropicClient struct {
	inner        anthropic.Client
	defaultModel anthropic.Model
}

// NewAnthropicClient builds a client from apiKey, falling back to
// $ANTHROPIC_API_KEY, and defaultModel, falling back to Sonnet.
func NewAnthropicClient(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	model := anthropic.Model(defaultModel)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &AnthropicClient{
		inner:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: model,
	}, nil
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Result, error) {
	model := c.defaultModel
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("anthropic completion: %w", err)
	}

	return Result{
		Text: extractText(resp),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func extractText(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
