// Package agent defines the seam between the session core and the opaque
// LLM agent runner: the run request/hooks contract, the error taxonomy the
// core recovers from, and the output sanitization pipeline.
package agent

import (
	"context"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// Event is emitted during agent execution for gateway broadcasting.
type Event struct {
	Type    string      `json:"type"` // protocol.AgentEvent* subtypes
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hooks is the capability set handed to a run. A struct of function fields —
// the runner holds no back-reference to the scheduler, which owns the
// interface and breaks the cycle.
//
// Any nil field is simply not called.
type Hooks struct {
	OnPartialReply          func(payload bus.ReplyPayload)
	OnBlockReply            func(payload bus.ReplyPayload)
	OnToolResult            func(name, result string)
	OnAssistantMessageStart func()
	OnReasoningStream       func(text string)
	OnAgentEvent            func(event Event)

	// ShouldEmitToolResult is polled whenever tool events would be shown,
	// so /verbose toggles take effect mid-run.
	ShouldEmitToolResult func() bool
}

// RunRequest is one agent invocation.
type RunRequest struct {
	SessionKey string
	SessionID  string
	AgentID    string
	RunID      string

	// Prompt is the fully rendered prompt (headers, reply markers, media
	// markers already applied).
	Prompt string

	// Envelope is the triggering message, nil for synthetic runs (cron,
	// steering restarts).
	Envelope *bus.Envelope

	Hooks Hooks
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Aborted      bool
}

// Runner executes one agent invocation. Cancellation travels through ctx:
// the lane's cancellation token is the single abort signal for /stop,
// chat.abort, steering, interrupt, and shutdown.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req RunRequest) (RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}
