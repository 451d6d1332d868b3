// Package chat implements the channels that carry prompts to an LLM: a
// WebSocket bridge to a chat UI, and direct OpenAI and Anthropic API clients.
//
// Every channel has the same shape: Send returns once the prompt is
// dispatched and the reply is delivered later through a ResponseSink.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zps-zest/zest/pkg/contracts"
)

var (
	// ErrNoClient means no chat UI is connected to the bridge.
	ErrNoClient = errors.New("no chat client connected")
	// ErrUnknownChannel is returned by Resolve for unregistered names.
	ErrUnknownChannel = errors.New("unknown chat channel")
	// ErrClientGone fails prompts whose chat UI disconnected before replying.
	ErrClientGone = errors.New("chat client disconnected before replying")
)

// Registry holds the configured channels by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]contracts.ChatChannel
	def      string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]contracts.ChatChannel)}
}

// Register adds ch. The first registered channel becomes the default.
func (r *Registry) Register(ch contracts.ChatChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
	if r.def == "" {
		r.def = ch.Name()
	}
}

// SetDefault picks the channel used when callers do not name one.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	r.def = name
	return nil
}

// Default returns the default channel name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Resolve returns the named channel, or the default for an empty name.
func (r *Registry) Resolve(name string) (contracts.ChatChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Names lists registered channels, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for n := range r.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
