package llmclient

import "context"

// MockClient returns a fixed response, for validator tests that don't need
// a real model call.
type MockClient struct {
	Response Result
	Err      error
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req Request) (Result, error) {
	if m.Err != nil {
		return Result{}, m.Err
	}
	return m.Response, nil
}
