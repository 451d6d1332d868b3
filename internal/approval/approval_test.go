package approval_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/approval"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) Publish(e models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func proposal() contracts.Proposal {
	return contracts.Proposal{
		Path:   "calc/adder.go",
		Before: "package calc\n\nfunc A() {}\n",
		After:  "package calc\n\nfunc A() {}\n\nfunc B() {}\n",
	}
}

// waitForPending polls until a gate opens.
func waitForPending(t *testing.T, g *approval.Gates) models.ApprovalRequest {
	t.Helper()
	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	return g.Pending()[0]
}

func TestUnifiedDiffAndStats(t *testing.T) {
	p := proposal()
	text, err := approval.UnifiedDiff(p.Path, p.Before, p.After)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "--- a/calc/adder.go\n+++ b/calc/adder.go\n"))

	stats, err := approval.Stats(text)
	require.NoError(t, err)
	assert.Equal(t, models.DiffStats{Files: 1, Added: 2, Deleted: 0}, stats)

	empty, err := approval.Stats("")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestRequest_Accepted(t *testing.T) {
	events := &eventLog{}
	g := approval.New(approval.WithEvents(events))

	done := make(chan bool, 1)
	go func() {
		ok, err := g.Request(context.Background(), proposal())
		assert.NoError(t, err)
		done <- ok
	}()

	req := waitForPending(t, g)
	assert.Equal(t, "calc/adder.go", req.Path)
	assert.Contains(t, req.Diff, "+func B() {}")
	require.True(t, g.Resolve(req.ID, true))

	assert.True(t, <-done)
	assert.Empty(t, g.Pending())
	assert.False(t, g.Resolve(req.ID, true), "gate is gone after decision")
	assert.GreaterOrEqual(t, len(events.events), 2)
}

func TestRequest_Rejected(t *testing.T) {
	g := approval.New()

	done := make(chan bool, 1)
	go func() {
		ok, _ := g.Request(context.Background(), proposal())
		done <- ok
	}()

	req := waitForPending(t, g)
	require.True(t, g.Resolve(req.ID, false))
	assert.False(t, <-done)
}

func TestRequest_Timeout(t *testing.T) {
	g := approval.New(approval.WithTimeout(30 * time.Millisecond))

	ok, err := g.Request(context.Background(), proposal())
	assert.False(t, ok)
	assert.ErrorIs(t, err, approval.ErrTimeout)
}

func TestWithin_OverridesTimeout(t *testing.T) {
	g := approval.New(approval.WithTimeout(time.Hour))

	start := time.Now()
	ok, err := g.Within(20*time.Millisecond).Request(context.Background(), proposal())
	assert.False(t, ok)
	assert.ErrorIs(t, err, approval.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequest_AutoApprove(t *testing.T) {
	g := approval.New(approval.WithAutoApprove(true))
	ok, err := g.Request(context.Background(), proposal())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolve_UnknownGate(t *testing.T) {
	assert.False(t, approval.New().Resolve("nope", true))
}
