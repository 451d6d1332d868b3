// Package agent drives the tool-calling loop:
//
//	build prompt → send to chat → await correlated reply →
//	follow-up question? stop and ask the user →
//	tool markers? run each tool, splice results in, re-send →
//	otherwise the reply is the final answer.
//
// The number of tool round-trips is capped by MaxTurns.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zps-zest/zest/internal/correlator"
	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/internal/toolcall"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

var tracer = otel.Tracer("zest-agent")

const (
	// DefaultMaxTurns caps tool round-trips per run.
	DefaultMaxTurns = 10
	// DefaultResponseTimeout bounds each wait for a chat reply.
	DefaultResponseTimeout = 300 * time.Second
	// DefaultHistoryWindow is how many past messages go into the prompt.
	DefaultHistoryWindow = 10
)

// FailureReason says why a run ended in OutcomeFailed.
type FailureReason string

const (
	ReasonDispatch FailureReason = "dispatch" // prompt never reached the chat
	ReasonTimeout  FailureReason = "timeout"  // no reply in time
	ReasonCanceled FailureReason = "canceled" // caller gave up
	ReasonResponse FailureReason = "response" // the channel reported an error instead of a reply
)

// Waiter registers response waits. *correlator.Correlator implements it.
type Waiter interface {
	contracts.ResponseSink
	Await(timeout time.Duration) *correlator.Pending
	Cancel(id string) bool
}

// Request is one user turn handed to the driver.
type Request struct {
	SessionID    string
	Input        string
	History      []models.ChatMessage
	Context      string
	SystemPrompt string
}

// Turn records one prompt/response exchange.
type Turn struct {
	Number      int                     `json:"number"`
	RequestID   string                  `json:"request_id"`
	Response    string                  `json:"response,omitempty"`
	Augmented   string                  `json:"augmented,omitempty"`
	Invocations []models.ToolInvocation `json:"invocations,omitempty"`
	Results     []models.ToolResult     `json:"results,omitempty"`
	LatencyMs   int64                   `json:"latency_ms"`
}

// Outcome is how a run ended. Kind selects which fields are meaningful:
// FinalAnswer sets Text; FollowUp sets Question and Text (the reply without
// the marker); TurnLimitExceeded sets Text to the last reply;
// Failed sets Reason and Err.
type Outcome struct {
	Kind     models.OutcomeKind `json:"kind"`
	State    models.AgentState  `json:"state"`
	Text     string             `json:"text,omitempty"`
	Question string             `json:"question,omitempty"`
	Reason   FailureReason      `json:"reason,omitempty"`
	Err      error              `json:"-"`
	Turns    int                `json:"turns"`
	Trace    []Turn             `json:"trace,omitempty"`
}

// ErrorMessage returns the failure message, or "".
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Driver runs the agent loop against one chat channel and tool set.
// A Driver is safe for concurrent use; each Run keeps its own state.
type Driver struct {
	channel contracts.ChatChannel
	waiter  Waiter
	tools   contracts.ToolDispatcher

	maxTurns      int
	timeout       time.Duration
	historyWindow int
	systemPrompt  string
	events        contracts.EventSink
	metrics       *telemetry.Metrics
}

// Option configures a Driver.
type Option func(*Driver)

// WithMaxTurns caps tool round-trips.
func WithMaxTurns(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxTurns = n
		}
	}
}

// WithResponseTimeout bounds each wait for a reply.
func WithResponseTimeout(t time.Duration) Option {
	return func(d *Driver) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithHistoryWindow sets how many past messages are included.
func WithHistoryWindow(n int) Option {
	return func(d *Driver) { d.historyWindow = n }
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(s string) Option {
	return func(d *Driver) { d.systemPrompt = s }
}

// WithEvents publishes state transitions and tool calls to sink.
func WithEvents(sink contracts.EventSink) Option {
	return func(d *Driver) {
		if sink != nil {
			d.events = sink
		}
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// New creates a driver. w must be owned by the caller's session or run.
func New(channel contracts.ChatChannel, w Waiter, tools contracts.ToolDispatcher, opts ...Option) *Driver {
	d := &Driver{
		channel:       channel,
		waiter:        w,
		tools:         tools,
		maxTurns:      DefaultMaxTurns,
		timeout:       DefaultResponseTimeout,
		historyWindow: DefaultHistoryWindow,
		systemPrompt:  DefaultSystemPrompt,
		events:        contracts.NopEvents{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// MaxTurns returns the configured tool round-trip cap.
func (d *Driver) MaxTurns() int { return d.maxTurns }

// Run drives the loop for one request until a final answer, a follow-up
// question, the turn limit, or a failure.
func (d *Driver) Run(ctx context.Context, req Request) Outcome {
	ctx, span := tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.session_id", req.SessionID),
			attribute.String("agent.channel", d.channel.Name()),
			attribute.Int("agent.max_turns", d.maxTurns),
		),
	)
	defer span.End()

	start := time.Now()
	r := &run{Driver: d, req: req, system: req.SystemPrompt}
	if r.system == "" {
		r.system = d.systemPrompt
	}

	out := r.loop(ctx, BuildPrompt(d.tools.List(), req, d.historyWindow))

	span.SetAttributes(
		attribute.String("agent.outcome", string(out.Kind)),
		attribute.Int("agent.turns", out.Turns),
	)
	d.metrics.AgentFinished(string(out.Kind), out.Turns)

	evt := log.Info()
	if out.Kind == models.OutcomeFailed {
		evt = log.Warn().Err(out.Err).Str("reason", string(out.Reason))
	}
	evt.Str("session_id", req.SessionID).
		Str("outcome", string(out.Kind)).
		Int("turns", out.Turns).
		Int64("total_ms", time.Since(start).Milliseconds()).
		Msg("Agent run finished")
	return out
}

// Continue answers a follow-up question and resumes the loop.
func (d *Driver) Continue(ctx context.Context, question, answer string, req Request) Outcome {
	req.Input = fmt.Sprintf("You asked: %s\nMy answer: %s\nPlease continue with the original task.",
		strings.TrimSpace(question), strings.TrimSpace(answer))
	return d.Run(ctx, req)
}

// run holds the state of a single Run call.
type run struct {
	*Driver
	req    Request
	system string
	turns  []Turn
	rounds int
}

func (r *run) loop(ctx context.Context, first string) Outcome {
	transcript := []string{first}

	for n := 1; ; n++ {
		turnStart := time.Now()
		prompt := strings.Join(transcript, "\n\n")

		text, id, out, ok := r.exchange(ctx, n, prompt)
		if !ok {
			return out
		}
		turn := Turn{Number: n, RequestID: id, Response: text}

		// A follow-up question wins over any tool markers in the same reply.
		if fu, found := toolcall.FindFollowUp(text); found {
			r.record(turn, turnStart)
			r.transition(models.StateAwaitingUserInput, n, "Waiting for your answer")
			return r.outcome(models.OutcomeFollowUp, models.StateAwaitingUserInput, Outcome{Text: fu.Cleaned, Question: fu.Question})
		}

		invs := toolcall.Extract(text)
		if len(invs) == 0 {
			r.record(turn, turnStart)
			r.transition(models.StateDone, n, "Done")
			return r.outcome(models.OutcomeFinalAnswer, models.StateDone, Outcome{Text: text})
		}

		if r.rounds >= r.maxTurns {
			r.record(turn, turnStart)
			log.Warn().Str("session_id", r.req.SessionID).Int("max_turns", r.maxTurns).Msg("Agent hit max turns")
			r.transition(models.StateDone, n, fmt.Sprintf("Stopped after %d tool rounds", r.maxTurns))
			return r.outcome(models.OutcomeTurnLimitExceeded, models.StateDone, Outcome{Text: text})
		}

		r.transition(models.StateToolExecuting, n, fmt.Sprintf("Running %d tool call(s)", len(invs)))
		results := r.dispatch(ctx, invs)
		r.rounds++

		turn.Invocations = invs
		turn.Results = results
		turn.Augmented = toolcall.Substitute(text, invs, results)
		r.record(turn, turnStart)

		log.Debug().
			Str("session_id", r.req.SessionID).
			Int("turn", n).
			Int("tool_calls", len(invs)).
			Msg("Agent loop continuing")

		transcript = append(transcript, "ASSISTANT:\n"+turn.Augmented, ContinuePrompt)
	}
}

// exchange sends one prompt and waits for its reply. ok is false when the
// run must stop; out then carries the failure.
func (r *run) exchange(ctx context.Context, n int, prompt string) (text, id string, out Outcome, ok bool) {
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(attribute.Int("agent.turn", n)))
	defer span.End()

	r.transition(models.StatePromptSent, n, "Sending prompt")

	// Register before dispatch so a fast reply cannot arrive unclaimed.
	pending := r.waiter.Await(r.timeout)
	err := r.channel.Send(ctx, models.Prompt{
		ID:           pending.ID,
		SessionID:    r.req.SessionID,
		Text:         prompt,
		SystemPrompt: r.system,
	}, r.waiter)
	r.metrics.PromptSent(r.channel.Name(), err)
	if err != nil {
		r.waiter.Cancel(pending.ID)
		span.RecordError(err)
		return "", pending.ID, r.fail(n, ReasonDispatch, fmt.Errorf("send prompt via %s: %w", r.channel.Name(), err)), false
	}

	r.transition(models.StateAwaitingLLMResponse, n, "Waiting for response")
	text, err = pending.Wait(ctx)
	if err != nil {
		span.RecordError(err)
		reason := ReasonResponse
		switch {
		case errors.Is(err, correlator.ErrTimeout):
			reason = ReasonTimeout
		case ctx.Err() != nil:
			reason = ReasonCanceled
		}
		return "", pending.ID, r.fail(n, reason, err), false
	}
	return text, pending.ID, Outcome{}, true
}

func (r *run) dispatch(ctx context.Context, invs []models.ToolInvocation) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(invs))
	for _, inv := range invs {
		res := r.tools.Dispatch(ctx, inv)
		results = append(results, res)

		msg := "Ran " + res.Name
		if res.IsError {
			msg = fmt.Sprintf("%s failed (%s)", res.Name, res.ErrorKind)
		}
		r.events.Publish(models.Event{
			Kind:      models.EventTool,
			SessionID: r.req.SessionID,
			Message:   msg,
			Data: map[string]any{
				"tool":        res.Name,
				"is_error":    res.IsError,
				"error_kind":  res.ErrorKind,
				"duration_ms": res.DurationMs,
			},
		})
	}
	return results
}

func (r *run) fail(n int, reason FailureReason, err error) Outcome {
	r.transition(models.StateFailed, n, err.Error())
	return r.outcome(models.OutcomeFailed, models.StateFailed, Outcome{Reason: reason, Err: err})
}

func (r *run) outcome(kind models.OutcomeKind, state models.AgentState, o Outcome) Outcome {
	o.Kind = kind
	o.State = state
	o.Turns = r.rounds
	o.Trace = r.turns
	return o
}

func (r *run) record(t Turn, start time.Time) {
	t.LatencyMs = time.Since(start).Milliseconds()
	r.turns = append(r.turns, t)
}

func (r *run) transition(state models.AgentState, turn int, msg string) {
	r.events.Publish(models.Event{
		Kind:      models.EventState,
		SessionID: r.req.SessionID,
		Message:   msg,
		Data:      map[string]any{"state": state, "turn": turn},
	})
}
