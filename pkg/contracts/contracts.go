// Package contracts defines the service interfaces shared across Zest packages.
//
// Concrete implementations live under internal/. The agent loop, the stages
// and the API handlers depend only on these interfaces, so a chat channel or
// tool can be swapped in the wiring code (pkg/server) without touching them.
package contracts

import (
	"context"

	"github.com/zps-zest/zest/pkg/models"
)

// ── Chat Channel ────────────────────────────────────────────

// ResponseSink receives the reply for a prompt. Implemented by the
// response correlator; channels call it from whatever goroutine the reply
// arrives on.
type ResponseSink interface {
	// Complete resolves the pending wait registered under id.
	// Returns false when no such wait is outstanding.
	Complete(id, text string) bool

	// Fail resolves the pending wait registered under id with an error.
	Fail(id string, err error) bool
}

// ChatChannel delivers prompts to an LLM.
// Send returns once the prompt is dispatched; the reply arrives later on sink.
// A non-nil error means the prompt was never delivered.
type ChatChannel interface {
	Name() string
	Send(ctx context.Context, prompt models.Prompt, sink ResponseSink) error
}

// ── Tools ───────────────────────────────────────────────────

// Tool is a named capability the agent can invoke.
type Tool interface {
	Spec() models.ToolSpec

	// Execute runs the tool. The returned text is shown to the LLM.
	Execute(ctx context.Context, inv models.ToolInvocation) (string, error)
}

// ToolDispatcher executes invocations and never fails: errors come back as
// a ToolResult with IsError set.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, inv models.ToolInvocation) models.ToolResult
	List() []models.ToolSpec
}

// ── Approvals ───────────────────────────────────────────────

// Proposal is a file change that needs a human decision before it is applied.
type Proposal struct {
	Path    string
	Before  string
	After   string
	Summary string
}

// Approver blocks until a proposal is accepted, rejected or expires.
type Approver interface {
	Request(ctx context.Context, p Proposal) (bool, error)
}

// ── Events ──────────────────────────────────────────────────

// EventSink receives status notifications. Publish must not block.
type EventSink interface {
	Publish(e models.Event)
}

// NopEvents discards every event.
type NopEvents struct{}

func (NopEvents) Publish(models.Event) {}
