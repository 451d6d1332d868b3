// Package events carries status updates (agent state changes, tool calls,
// stage progress, approval requests) from the core to UI listeners.
package events

import (
	"sync"
	"time"

	"github.com/zps-zest/zest/pkg/models"
)

// DefaultCapacity is the number of events retained for late subscribers.
const DefaultCapacity = 512

// Bus is a thread-safe ring buffer of events with real-time fan-out.
type Bus struct {
	mu          sync.RWMutex
	seq         int64
	entries     []models.Event
	capacity    int
	subscribers map[chan models.Event]filter
}

type filter struct {
	sessionID string
}

func (f filter) match(e models.Event) bool {
	return f.sessionID == "" || e.SessionID == "" || e.SessionID == f.sessionID
}

// NewBus creates a bus that retains up to capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		entries:     make([]models.Event, 0, capacity),
		capacity:    capacity,
		subscribers: make(map[chan models.Event]filter),
	}
}

// Publish stamps e with a sequence number and broadcasts it. Slow
// subscribers miss events rather than block the publisher.
func (b *Bus) Publish(e models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, e)

	for ch, f := range b.subscribers {
		if !f.match(e) {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns the last n events, oldest first. n <= 0 returns everything.
func (b *Bus) Recent(n int) []models.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.Event, n)
	copy(out, b.entries[total-n:])
	return out
}

// Since returns retained events with a sequence number greater than seq,
// optionally limited to one session.
func (b *Bus) Since(seq int64, sessionID string) []models.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f := filter{sessionID: sessionID}
	var out []models.Event
	for _, e := range b.entries {
		if e.Seq > seq && f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel receiving new events for sessionID (empty for
// all sessions). Call Unsubscribe when done.
func (b *Bus) Subscribe(sessionID string) chan models.Event {
	ch := make(chan models.Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = filter{sessionID: sessionID}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch chan models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// ForSession returns a sink that stamps every event with sessionID.
func (b *Bus) ForSession(sessionID string) *SessionSink {
	return &SessionSink{bus: b, sessionID: sessionID}
}

// SessionSink publishes to a Bus on behalf of one session.
type SessionSink struct {
	bus       *Bus
	sessionID string
}

// Publish implements contracts.EventSink.
func (s *SessionSink) Publish(e models.Event) {
	if e.SessionID == "" {
		e.SessionID = s.sessionID
	}
	s.bus.Publish(e)
}
