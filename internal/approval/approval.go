// Package approval implements diff confirmation gates.
//
// A mutating tool proposes a change, the gate publishes the diff and blocks
// until a user accepts or rejects it, or the gate times out. Pending gates
// are keyed by id; Resolve signals the blocked caller.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

// DefaultTimeout is how long a change waits for a decision.
const DefaultTimeout = 5 * time.Minute

// ErrTimeout is returned when nobody decides before the deadline.
var ErrTimeout = errors.New("no decision before approval timeout")

type gate struct {
	req models.ApprovalRequest
	ch  chan bool
}

// Gates tracks open confirmation requests.
type Gates struct {
	timeout     time.Duration
	autoApprove bool
	events      contracts.EventSink
	metrics     *telemetry.Metrics

	mu    sync.RWMutex
	gates map[string]*gate
}

// Option configures Gates.
type Option func(*Gates)

// WithTimeout sets the default decision deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gates) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithAutoApprove accepts every proposal immediately (headless runs).
func WithAutoApprove(on bool) Option {
	return func(g *Gates) { g.autoApprove = on }
}

// WithEvents publishes a notification when a gate opens or closes.
func WithEvents(sink contracts.EventSink) Option {
	return func(g *Gates) {
		if sink != nil {
			g.events = sink
		}
	}
}

// WithMetrics records decisions on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gates) { g.metrics = m }
}

// New creates an empty gate registry.
func New(opts ...Option) *Gates {
	g := &Gates{
		timeout: DefaultTimeout,
		events:  contracts.NopEvents{},
		gates:   make(map[string]*gate),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Request blocks until p is accepted or rejected, using the default timeout.
func (g *Gates) Request(ctx context.Context, p contracts.Proposal) (bool, error) {
	return g.RequestWithin(ctx, p, g.timeout)
}

// RequestWithin is Request with an explicit timeout.
func (g *Gates) RequestWithin(ctx context.Context, p contracts.Proposal, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}

	text, err := UnifiedDiff(p.Path, p.Before, p.After)
	if err != nil {
		return false, err
	}
	stats, err := Stats(text)
	if err != nil {
		log.Warn().Err(err).Str("path", p.Path).Msg("Could not compute diff stats")
	}

	now := time.Now().UTC()
	req := models.ApprovalRequest{
		ID:        uuid.New().String(),
		Path:      p.Path,
		Summary:   p.Summary,
		Diff:      text,
		Stats:     stats,
		Status:    models.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	if g.autoApprove {
		req.Status = models.ApprovalAccepted
		g.publish(req, "Change auto-approved")
		g.metrics.ApprovalDecided(string(models.ApprovalAccepted))
		return true, nil
	}

	ch := make(chan bool, 1)
	g.mu.Lock()
	g.gates[req.ID] = &gate{req: req, ch: ch}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.gates, req.ID)
		g.mu.Unlock()
	}()

	log.Info().
		Str("approval_id", req.ID).
		Str("path", p.Path).
		Int("added", stats.Added).
		Int("deleted", stats.Deleted).
		Dur("timeout", timeout).
		Msg("⏸️  Waiting for change approval")
	g.publish(req, fmt.Sprintf("Review change to %s (+%d -%d)", p.Path, stats.Added, stats.Deleted))

	gateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case approved := <-ch:
		decision := models.ApprovalRejected
		if approved {
			decision = models.ApprovalAccepted
		}
		req.Status = decision
		g.metrics.ApprovalDecided(string(decision))
		g.publish(req, fmt.Sprintf("Change to %s %s", p.Path, decision))
		return approved, nil
	case <-gateCtx.Done():
		req.Status = models.ApprovalExpired
		g.metrics.ApprovalDecided(string(models.ApprovalExpired))
		g.publish(req, fmt.Sprintf("Change to %s expired", p.Path))
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%s: %w", p.Path, ErrTimeout)
	}
}

// Resolve delivers a decision to the gate with the given id.
// Returns false when no such gate is open.
func (g *Gates) Resolve(id string, approved bool) bool {
	g.mu.RLock()
	gt, ok := g.gates[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case gt.ch <- approved:
		log.Info().Str("approval_id", id).Bool("approved", approved).Msg("Change approval decided")
		return true
	default:
		return false
	}
}

// Pending lists open gates, oldest first.
func (g *Gates) Pending() []models.ApprovalRequest {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ApprovalRequest, 0, len(g.gates))
	for _, gt := range g.gates {
		out = append(out, gt.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns the open gate with the given id.
func (g *Gates) Get(id string) (models.ApprovalRequest, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gt, ok := g.gates[id]
	if !ok {
		return models.ApprovalRequest{}, false
	}
	return gt.req, true
}

func (g *Gates) publish(req models.ApprovalRequest, msg string) {
	g.events.Publish(models.Event{
		Kind:    models.EventApproval,
		Message: msg,
		Data: map[string]any{
			"approval_id": req.ID,
			"path":        req.Path,
			"status":      string(req.Status),
			"diff":        req.Diff,
			"added":       req.Stats.Added,
			"deleted":     req.Stats.Deleted,
		},
		Timestamp: time.Now().UTC(),
	})
}

// Within binds an explicit timeout to g, for tools with their own deadline.
func (g *Gates) Within(timeout time.Duration) contracts.Approver {
	return timedApprover{g: g, timeout: timeout}
}

type timedApprover struct {
	g       *Gates
	timeout time.Duration
}

func (t timedApprover) Request(ctx context.Context, p contracts.Proposal) (bool, error) {
	return t.g.RequestWithin(ctx, p, t.timeout)
}
