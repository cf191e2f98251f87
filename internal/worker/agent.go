// Package worker implements the per-task worker loop (C7): bootstrap,
// strict-TDD stage A, implementation turn, scope enforcement, lint, and
// doctor, repeated up to a configured retry ceiling. It generalizes the
// teacher's internal/engine.processConcern (one long per-unit function
// threading status writes through each phase, PTY-streamed subprocess
// invocation via invokeAgent) from a single "run agent, commit" step into
// the multi-phase attempt loop.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/creack/pty"
)

// AgentTurnResult is what one agent turn produces.
type AgentTurnResult struct {
	ThreadID string
	Events   []json.RawMessage
}

// Agent abstracts one coding-agent subprocess invocation, standing in for
// the spec's "drive the agent" step. Production code uses CodexAgent; tests
// and dry runs use MockAgent.
type Agent interface {
	RunTurn(ctx context.Context, workspaceDir, prompt, resumeThreadID string) (AgentTurnResult, error)
}

// CodexAgent invokes a codex-style CLI agent. Stdout/stderr are captured
// through a PTY exactly as the teacher's invokeAgent does, so line-buffered
// agents behave the same way under mycelium as under the teacher's runner;
// `codex.event` JSON lines are scraped out of the captured stream.
type CodexAgent struct {
	Command string
	Args    []string
}

// RunTurn starts the agent, feeding prompt on stdin and resuming
// resumeThreadID via --resume when non-empty, per spec §4.7's agent-thread
// resume semantics.
func (a *CodexAgent) RunTurn(ctx context.Context, workspaceDir, prompt, resumeThreadID string) (AgentTurnResult, error) {
	args := append([]string{}, a.Args...)
	if resumeThreadID != "" {
		args = append(args, "--resume", resumeThreadID)
	}
	cmd := exec.CommandContext(ctx, a.Command, args...)
	cmd.Dir = workspaceDir

	ptmx, pts, err := pty.Open()
	if err != nil {
		return AgentTurnResult{}, fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return AgentTurnResult{}, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	var events []json.RawMessage
	threadID := resumeThreadID
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			Event struct {
				Type     string `json:"type"`
				ThreadID string `json:"thread_id"`
			} `json:"event"`
		}
		if json.Unmarshal(line, &probe) != nil || probe.Event.Type == "" {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		events = append(events, raw)
		if probe.Event.ThreadID != "" {
			threadID = probe.Event.ThreadID
		}
	}
	// A read error here is almost always EIO from the pty closing at
	// process exit; cmd.Wait's exit status is the authoritative signal.
	waitErr := cmd.Wait()

	return AgentTurnResult{ThreadID: threadID, Events: events}, waitErr
}

// MockAgent deterministically edits files per call instead of invoking a
// real coding agent, for tests and local dry runs. Turn is called once per
// RunTurn with the zero-based call index.
type MockAgent struct {
	Turn  func(ctx context.Context, workspaceDir string, index int) error
	calls int
}

// RunTurn implements Agent.
func (m *MockAgent) RunTurn(ctx context.Context, workspaceDir, prompt, resumeThreadID string) (AgentTurnResult, error) {
	idx := m.calls
	m.calls++
	threadID := resumeThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("mock-thread-%d", idx)
	}
	if m.Turn != nil {
		if err := m.Turn(ctx, workspaceDir, idx); err != nil {
			return AgentTurnResult{ThreadID: threadID}, err
		}
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"event": map[string]interface{}{
			"type": "turn.completed",
			"usage": map[string]int64{
				"input_tokens":        100,
				"cached_input_tokens": 0,
				"output_tokens":       50,
			},
		},
	})
	return AgentTurnResult{ThreadID: threadID, Events: []json.RawMessage{payload}}, nil
}
