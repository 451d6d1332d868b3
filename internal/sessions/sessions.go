// Package sessions provides in-memory interactive chat sessions. Each
// session owns its conversation history and its own response correlator.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/internal/agent"
	"github.com/zps-zest/zest/internal/correlator"
	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/pkg/models"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy rejects a message while the previous one is still running.
	ErrSessionBusy = errors.New("session is busy with another message")
	// ErrSessionClosed rejects a message sent to a session that was closed.
	ErrSessionClosed = errors.New("session is closed")
)

// DriverFactory builds the agent driver for a session around its correlator.
type DriverFactory func(sessionID string, w agent.Waiter) *agent.Driver

// Info is the externally visible state of a session.
type Info struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Messages        int       `json:"messages"`
	Busy            bool      `json:"busy"`
	PendingQuestion string    `json:"pending_question,omitempty"`
	Outstanding     int       `json:"outstanding_responses"`
}

// Session is one interactive conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	corr   *correlator.Correlator
	driver *agent.Driver

	mu        sync.Mutex
	busy      bool
	closed    bool
	history   []models.ChatMessage
	question  string
	updatedAt time.Time
}

// Correlator returns the session's response correlator.
func (s *Session) Correlator() *correlator.Correlator { return s.corr }

// History returns a copy of the conversation.
func (s *Session) History() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.history...)
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.updatedAt,
		Messages:        len(s.history),
		Busy:            s.busy,
		PendingQuestion: s.question,
		Outstanding:     s.corr.Outstanding(),
	}
}

// Send runs one user message through the agent loop and records the
// exchange. If the agent asked a follow-up question last time, text is
// treated as the answer.
func (s *Session) Send(ctx context.Context, text, editorContext string) (agent.Outcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return agent.Outcome{}, ErrSessionClosed
	}
	if s.busy {
		s.mu.Unlock()
		return agent.Outcome{}, ErrSessionBusy
	}
	s.busy = true
	prior := append([]models.ChatMessage(nil), s.history...)
	question := s.question
	s.question = ""
	s.append(models.NewChatMessage(models.RoleUser, text))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	req := agent.Request{SessionID: s.ID, Input: text, History: prior, Context: editorContext}
	var out agent.Outcome
	if question != "" {
		out = s.driver.Continue(ctx, question, text, req)
	} else {
		out = s.driver.Run(ctx, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch out.Kind {
	case models.OutcomeFinalAnswer:
		s.append(models.NewChatMessage(models.RoleAssistant, out.Text))
	case models.OutcomeFollowUp:
		if out.Text != "" {
			s.append(models.NewChatMessage(models.RoleAssistant, out.Text))
		}
		s.append(models.NewChatMessage(models.RoleSystem, "AI is asking: "+out.Question))
		s.question = out.Question
	case models.OutcomeTurnLimitExceeded:
		s.append(models.NewChatMessage(models.RoleAssistant, out.Text))
		s.append(models.NewChatMessage(models.RoleSystem,
			fmt.Sprintf("Stopped after %d tool rounds without a final answer.", out.Turns)))
	case models.OutcomeFailed:
		s.append(models.NewChatMessage(models.RoleSystem, "Error: "+out.ErrorMessage()))
	}
	return out, nil
}

// NewConversation clears the history. An in-flight wait is left to finish
// or time out on its own.
func (s *Session) NewConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.question = ""
	s.updatedAt = time.Now().UTC()
}

// append adds m to the history. Callers hold s.mu.
func (s *Session) append(m models.ChatMessage) {
	s.history = append(s.history, m)
	s.updatedAt = m.Timestamp
}

// Manager owns every live session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	newDriver DriverFactory
	timeout   time.Duration
	metrics   *telemetry.Metrics
}

// NewManager creates a manager. timeout is the default correlator timeout.
func NewManager(factory DriverFactory, timeout time.Duration, m *telemetry.Metrics) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		newDriver: factory,
		timeout:   timeout,
		metrics:   m,
	}
}

// Create opens a new session. An empty id gets a generated one.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	corr := correlator.New(
		correlator.WithName(id),
		correlator.WithDefaultTimeout(m.timeout),
		correlator.WithMetrics(m.metrics),
	)
	s := &Session{ID: id, CreatedAt: now, updatedAt: now, corr: corr}
	s.driver = m.newDriver(id, corr)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		corr.Close()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionOpened()
	log.Info().Str("session_id", id).Msg("Session created")
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// GetOrCreate returns the session with id, creating it if needed.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	s, err := m.Create(id)
	if err != nil {
		// Lost a creation race.
		return m.Get(id)
	}
	return s, nil
}

// List returns every session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete closes a session. Its outstanding waits fail with correlator.ErrClosed.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.corr.Close()
	m.metrics.SessionClosed()
	log.Info().Str("session_id", id).Msg("Session closed")
	return nil
}

// Close shuts down every session.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Delete(id)
	}
}

// CloseIdle closes sessions untouched since cutoff. Busy sessions are kept.
// A session is marked closed under its own lock, so a Send racing with the
// sweep either runs to completion or fails with ErrSessionClosed.
func (m *Manager) CloseIdle(cutoff time.Time) int {
	var idle []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		if !s.busy && s.updatedAt.Before(cutoff) {
			s.closed = true
			idle = append(idle, s)
			delete(m.sessions, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.corr.Close()
		m.metrics.SessionClosed()
		log.Info().Str("session_id", s.ID).Msg("Idle session closed")
	}
	return len(idle)
}
