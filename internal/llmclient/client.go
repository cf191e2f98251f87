// Package llmclient provides a thin, shared `Complete` capability over
// whichever LLM backend a validator or planner is configured to call. It
// generalizes ShayCichocki-Alphie's direct anthropic-sdk-go usage
// (internal/api/client.go's Client wrapping anthropic.Client plus a token
// tracker, internal/api/verifier.go's prompt-then-parse-PASS/FAIL idiom)
// behind an interface so C8 validators and external Planner adapters share
// one client abstraction instead of each hand-rolling API calls.
package llmclient

import "context"

// Usage is the token accounting one Complete call reports, normalized the
// same way budget.TurnCompletedUsage is.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	Model     string
	MaxTokens int64
}

// Result is a completion call's normalized response.
type Result struct {
	Text  string
	Usage Usage
}

// Client is the shared capability every provider variant implements.
type Client interface {
	Complete(ctx context.Context, req Request) (Result, error)
}
