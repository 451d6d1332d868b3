// Package correlator hands chat responses from the UI (or an API client
// goroutine) to the worker that is blocked waiting for them.
//
// A worker registers a wait with Await before it dispatches its prompt, then
// blocks on Pending.Wait. Whoever receives the reply calls Complete with the
// request id. Each wait resolves exactly once: completed, timed out, failed
// or canceled. Late or unknown completions are logged and ignored.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/internal/telemetry"
)

// DefaultTimeout applies when Await is called with a non-positive timeout.
const DefaultTimeout = 600 * time.Second

// dedupWindow bounds how many UI message ids are remembered.
const dedupWindow = 256

var (
	// ErrTimeout resolves a wait whose deadline passed without a reply.
	ErrTimeout = errors.New("timed out waiting for chat response")
	// ErrCanceled resolves a wait that was withdrawn by its owner.
	ErrCanceled = errors.New("chat response wait canceled")
	// ErrClosed resolves every wait still outstanding when the correlator closes.
	ErrClosed = errors.New("correlator closed")
)

// Correlator tracks outstanding response waits for one owner
// (an interactive session or a pipeline run).
type Correlator struct {
	name           string
	defaultTimeout time.Duration
	metrics        *telemetry.Metrics

	mu      sync.Mutex
	pending map[string]*Pending
	order   []string
	seen    map[string]struct{}
	seenQ   []string
	closed  bool
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithName labels log lines with the owner's id.
func WithName(name string) Option {
	return func(c *Correlator) { c.name = name }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithMetrics records wait outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// New creates an empty correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		defaultTimeout: DefaultTimeout,
		pending:        make(map[string]*Pending),
		seen:           make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Await registers a new wait and returns immediately.
// The wait resolves with ErrTimeout no earlier than timeout after this call.
func (c *Correlator) Await(timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	p := &Pending{
		ID:        uuid.New().String(),
		Timeout:   timeout,
		CreatedAt: time.Now(),
		owner:     c,
		state:     StatePending,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.state = StateFailed
		p.err = ErrClosed
		close(p.done)
		return p
	}
	c.pending[p.ID] = p
	c.order = append(c.order, p.ID)
	p.timer = time.AfterFunc(timeout, func() {
		if c.resolve(p.ID, StateTimedOut, "", ErrTimeout) {
			log.Warn().
				Str("correlator", c.name).
				Str("request_id", p.ID).
				Dur("timeout", timeout).
				Msg("Chat response wait timed out")
		}
	})
	c.mu.Unlock()

	log.Debug().Str("correlator", c.name).Str("request_id", p.ID).Dur("timeout", timeout).Msg("Awaiting chat response")
	return p
}

// Complete resolves the wait registered under id with text.
// It returns false, without side effects, when no such wait is outstanding.
func (c *Correlator) Complete(id, text string) bool {
	if c.resolve(id, StateCompleted, text, nil) {
		return true
	}
	c.spurious(id, "")
	return false
}

// CompleteMessage is Complete with duplicate suppression on the UI's message id.
// An empty id resolves the oldest outstanding wait.
func (c *Correlator) CompleteMessage(id, messageID, text string) bool {
	if messageID != "" && !c.markSeen(messageID) {
		log.Debug().Str("correlator", c.name).Str("message_id", messageID).Msg("Duplicate chat message ignored")
		return false
	}
	if id == "" {
		return c.CompleteLatest(text)
	}
	return c.Complete(id, text)
}

// CompleteLatest resolves the oldest outstanding wait. Used by chat UIs that
// do not echo request ids.
func (c *Correlator) CompleteLatest(text string) bool {
	c.mu.Lock()
	var id string
	if len(c.order) > 0 {
		id = c.order[0]
	}
	c.mu.Unlock()

	if id != "" && c.resolve(id, StateCompleted, text, nil) {
		return true
	}
	c.spurious("", "")
	return false
}

// Fail resolves the wait registered under id with err.
func (c *Correlator) Fail(id string, err error) bool {
	if err == nil {
		err = errors.New("chat channel failed")
	}
	return c.resolve(id, StateFailed, "", err)
}

// Cancel withdraws the wait registered under id.
func (c *Correlator) Cancel(id string) bool {
	return c.resolve(id, StateCanceled, "", ErrCanceled)
}

// Outstanding returns the number of unresolved waits.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding wait with ErrClosed. Later Await calls
// return already-failed waits.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, StateFailed, "", ErrClosed)
	}
}

func (c *Correlator) resolve(id string, state State, text string, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	p.finish(state, text, err)
	c.metrics.WaitResolved(string(state), time.Since(p.CreatedAt))
	return true
}

func (c *Correlator) markSeen(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[messageID]; dup {
		return false
	}
	c.seen[messageID] = struct{}{}
	c.seenQ = append(c.seenQ, messageID)
	if len(c.seenQ) > dedupWindow {
		delete(c.seen, c.seenQ[0])
		c.seenQ = c.seenQ[1:]
	}
	return true
}

func (c *Correlator) spurious(id, messageID string) {
	c.metrics.SpuriousCompletion()
	log.Warn().
		Str("correlator", c.name).
		Str("request_id", id).
		Str("message_id", messageID).
		Msg("Chat response received but no matching request is pending; ignored")
}

// ── Pending ─────────────────────────────────────────────────

// State is the lifecycle state of a Pending wait.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Pending is one registered wait for a chat response.
type Pending struct {
	ID        string
	Timeout   time.Duration
	CreatedAt time.Time

	owner *Correlator
	timer *time.Timer
	done  chan struct{}

	mu    sync.Mutex
	state State
	text  string
	err   error
}

func (p *Pending) finish(state State, text string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.state = state
	p.text = text
	p.err = err
	close(p.done)
}

// Wait blocks until the wait resolves or ctx ends. A canceled ctx withdraws
// the wait so no later completion can land on it.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		p.owner.Cancel(p.ID)
		return "", fmt.Errorf("waiting for response %s: %w", p.ID, ctx.Err())
	}
}

// Done is closed once the wait resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the resolved text and error without blocking. Before
// resolution it returns ("", nil).
func (p *Pending) Result() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text, p.err
}

// State returns the current lifecycle state.
func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
