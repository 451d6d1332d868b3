package sessions_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/agent"
	"github.com/zps-zest/zest/internal/correlator"
	"github.com/zps-zest/zest/internal/sessions"
	"github.com/zps-zest/zest/internal/toolgw"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

// replyChannel answers prompts in order; a nil hold replies at once,
// otherwise the reply waits until hold is closed.
type replyChannel struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	hold    chan struct{}
}

func (c *replyChannel) Name() string { return "test" }

func (c *replyChannel) Send(ctx context.Context, p models.Prompt, sink contracts.ResponseSink) error {
	c.mu.Lock()
	reply := c.replies[len(c.prompts)%len(c.replies)]
	c.prompts = append(c.prompts, p.Text)
	hold := c.hold
	c.mu.Unlock()

	go func() {
		if hold != nil {
			<-hold
		}
		sink.Complete(p.ID, reply)
	}()
	return nil
}

func (c *replyChannel) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[len(c.prompts)-1]
}

func newManager(ch contracts.ChatChannel) *sessions.Manager {
	gw := toolgw.New(nil)
	return sessions.NewManager(func(id string, w agent.Waiter) *agent.Driver {
		return agent.New(ch, w, gw, agent.WithResponseTimeout(5*time.Second))
	}, time.Minute, nil)
}

func TestSession_SendRecordsExchange(t *testing.T) {
	ch := &replyChannel{replies: []string{"Hi there."}}
	m := newManager(ch)
	defer m.Close()

	s, err := m.Create("")
	require.NoError(t, err)

	out, err := s.Send(context.Background(), "Hello", "")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFinalAnswer, out.Kind)

	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, models.RoleUser, hist[0].Role)
	assert.Equal(t, "Hello", hist[0].Content)
	assert.Equal(t, models.RoleAssistant, hist[1].Role)
	assert.Equal(t, "Hi there.", hist[1].Content)
}

func TestSession_FollowUpAnswerContinues(t *testing.T) {
	ch := &replyChannel{replies: []string{
		"### FOLLOW_UP_QUESTION\nWhich file?\n### END_FOLLOW_UP_QUESTION",
		"Fixed main.go.",
	}}
	m := newManager(ch)
	defer m.Close()
	s, err := m.Create("s1")
	require.NoError(t, err)

	out, err := s.Send(context.Background(), "Fix the bug", "")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFollowUp, out.Kind)
	assert.Equal(t, "Which file?", s.Info().PendingQuestion)

	hist := s.History()
	assert.Equal(t, "AI is asking: Which file?", hist[len(hist)-1].Content)

	out, err = s.Send(context.Background(), "main.go", "")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFinalAnswer, out.Kind)
	assert.Contains(t, ch.lastPrompt(), "You asked: Which file?")
	assert.Empty(t, s.Info().PendingQuestion)
}

func TestSession_RejectsConcurrentSend(t *testing.T) {
	ch := &replyChannel{replies: []string{"done"}, hold: make(chan struct{})}
	m := newManager(ch)
	defer m.Close()
	s, err := m.Create("")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send(context.Background(), "first", "")
	}()
	require.Eventually(t, func() bool { return s.Info().Busy }, time.Second, 5*time.Millisecond)

	_, err = s.Send(context.Background(), "second", "")
	assert.ErrorIs(t, err, sessions.ErrSessionBusy)

	close(ch.hold)
	<-done
	assert.False(t, s.Info().Busy)
}

func TestSession_NewConversationClearsHistory(t *testing.T) {
	ch := &replyChannel{replies: []string{"ok"}}
	m := newManager(ch)
	defer m.Close()
	s, err := m.Create("")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "remember this", "")
	require.NoError(t, err)
	s.NewConversation()
	assert.Empty(t, s.History())

	_, err = s.Send(context.Background(), "fresh start", "")
	require.NoError(t, err)
	assert.NotContains(t, ch.lastPrompt(), "remember this")
}

func TestManager_Lifecycle(t *testing.T) {
	m := newManager(&replyChannel{replies: []string{"ok"}})

	a, err := m.Create("a")
	require.NoError(t, err)
	_, err = m.Create("a")
	assert.Error(t, err)

	b, err := m.GetOrCreate("b")
	require.NoError(t, err)
	again, err := m.GetOrCreate("b")
	require.NoError(t, err)
	assert.Same(t, b, again)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	pending := a.Correlator().Await(time.Minute)
	require.NoError(t, m.Delete("a"))
	_, err = pending.Wait(context.Background())
	assert.True(t, errors.Is(err, correlator.ErrClosed))

	_, err = m.Get("a")
	assert.ErrorIs(t, err, sessions.ErrNotFound)
	assert.ErrorIs(t, m.Delete("a"), sessions.ErrNotFound)
}

func TestManager_CloseIdle(t *testing.T) {
	m := newManager(&replyChannel{replies: []string{"ok"}})
	s, err := m.Create("old")
	require.NoError(t, err)

	assert.Zero(t, m.CloseIdle(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, m.CloseIdle(time.Now().Add(time.Second)))
	_, err = m.Get("old")
	assert.ErrorIs(t, err, sessions.ErrNotFound)

	_, err = s.Send(context.Background(), "still there?", "")
	assert.ErrorIs(t, err, sessions.ErrSessionClosed)
	assert.Empty(t, s.History())
}

func TestManager_CloseIdleKeepsBusySession(t *testing.T) {
	ch := &replyChannel{replies: []string{"done"}, hold: make(chan struct{})}
	m := newManager(ch)
	defer m.Close()
	s, err := m.Create("busy")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "long task", "")
		done <- err
	}()
	require.Eventually(t, func() bool { return s.Info().Busy }, time.Second, 5*time.Millisecond)

	assert.Zero(t, m.CloseIdle(time.Now().Add(time.Hour)))
	close(ch.hold)
	require.NoError(t, <-done)

	_, err = m.Get("busy")
	assert.NoError(t, err)
	assert.Len(t, s.History(), 2)
}
