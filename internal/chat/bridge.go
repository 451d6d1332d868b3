package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

// Frame types exchanged with the chat UI.
const (
	FramePrompt   = "prompt"
	FrameEvent    = "event"
	FrameHello    = "hello"
	FrameResponse = "response"
	FrameNewChat  = "new_chat"
)

const writeWait = 10 * time.Second

// Frame is one JSON message on the bridge socket.
type Frame struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"requestId,omitempty"`
	MessageID    string        `json:"messageId,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Text         string        `json:"text,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	Content      string        `json:"content,omitempty"`
	Event        *models.Event `json:"event,omitempty"`
}

// messageCompleter is implemented by sinks that can drop duplicate UI
// messages (the correlator does).
type messageCompleter interface {
	CompleteMessage(id, messageID, text string) bool
}

type bridgeClient struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	connected time.Time
	// pending holds request ids sent to this client, oldest first.
	pending []string
}

func (c *bridgeClient) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

type inflight struct {
	sink   contracts.ResponseSink
	client *bridgeClient
}

// Bridge is a chat channel that forwards prompts to a browser chat UI over
// WebSocket and turns its response frames into sink completions.
type Bridge struct {
	upgrader  websocket.Upgrader
	onNewChat func(sessionID string)

	mu       sync.Mutex
	clients  map[string]*bridgeClient
	inflight map[string]inflight
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithNewChatHandler is called when the UI starts a new conversation.
func WithNewChatHandler(fn func(sessionID string)) BridgeOption {
	return func(b *Bridge) { b.onNewChat = fn }
}

// WithAllowedOrigins restricts which pages may connect. Empty allows all.
func WithAllowedOrigins(origins []string) BridgeOption {
	return func(b *Bridge) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		b.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
}

// NewBridge creates a bridge with no connected clients.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*bridgeClient),
		inflight: make(map[string]inflight),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name implements contracts.ChatChannel.
func (b *Bridge) Name() string { return "bridge" }

// Clients returns the number of connected UIs.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Send pushes p to the UI bound to p.SessionID, or to the most recently
// connected UI when none is bound.
func (b *Bridge) Send(ctx context.Context, p models.Prompt, sink contracts.ResponseSink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	c := b.pick(p.SessionID)
	if c == nil {
		b.mu.Unlock()
		return ErrNoClient
	}
	b.inflight[p.ID] = inflight{sink: sink, client: c}
	c.pending = append(c.pending, p.ID)
	b.mu.Unlock()

	err := c.write(Frame{
		Type:         FramePrompt,
		RequestID:    p.ID,
		SessionID:    p.SessionID,
		Text:         p.Text,
		SystemPrompt: p.SystemPrompt,
	})
	if err != nil {
		b.mu.Lock()
		b.forget(p.ID)
		b.mu.Unlock()
		return err
	}

	log.Debug().Str("client", c.id).Str("request_id", p.ID).Str("session_id", p.SessionID).Msg("Prompt sent to chat UI")
	return nil
}

// Forward pushes a status event to UIs watching its session.
func (b *Bridge) Forward(e models.Event) {
	b.mu.Lock()
	targets := make([]*bridgeClient, 0, len(b.clients))
	for _, c := range b.clients {
		if e.SessionID == "" || c.sessionID == "" || c.sessionID == e.SessionID {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		ev := e
		if err := c.write(Frame{Type: FrameEvent, SessionID: e.SessionID, Event: &ev}); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Dropping event for unreachable chat UI")
		}
	}
}

// ServeHTTP upgrades the request and serves one UI connection until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Chat bridge upgrade failed")
		return
	}

	c := &bridgeClient{
		id:        uuid.New().String(),
		conn:      conn,
		sessionID: r.URL.Query().Get("sessionId"),
		connected: time.Now(),
	}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	log.Info().Str("client", c.id).Str("session_id", c.sessionID).Msg("🔌 Chat UI connected")

	defer b.disconnect(c)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("client", c.id).Msg("Chat UI connection error")
			}
			return
		}
		b.handle(c, f)
	}
}

func (b *Bridge) handle(c *bridgeClient, f Frame) {
	switch f.Type {
	case FrameHello:
		b.mu.Lock()
		c.sessionID = f.SessionID
		b.mu.Unlock()
		log.Debug().Str("client", c.id).Str("session_id", f.SessionID).Msg("Chat UI bound to session")

	case FrameResponse:
		b.mu.Lock()
		id := f.RequestID
		if id == "" && len(c.pending) > 0 {
			id = c.pending[0]
		}
		in, ok := b.inflight[id]
		if ok {
			b.forget(id)
		}
		b.mu.Unlock()

		if !ok {
			log.Warn().Str("client", c.id).Str("request_id", f.RequestID).Msg("Chat response for unknown request")
			return
		}
		if mc, ok := in.sink.(messageCompleter); ok && f.MessageID != "" {
			mc.CompleteMessage(id, f.MessageID, f.Content)
			return
		}
		in.sink.Complete(id, f.Content)

	case FrameNewChat:
		sessionID := f.SessionID
		if sessionID == "" {
			sessionID = c.sessionID
		}
		if b.onNewChat != nil && sessionID != "" {
			b.onNewChat(sessionID)
		}

	default:
		log.Debug().Str("client", c.id).Str("type", f.Type).Msg("Ignoring unknown chat frame")
	}
}

// pick chooses the target client. Callers hold b.mu.
func (b *Bridge) pick(sessionID string) *bridgeClient {
	var latest *bridgeClient
	for _, c := range b.clients {
		if sessionID != "" && c.sessionID == sessionID {
			return c
		}
		if latest == nil || c.connected.After(latest.connected) {
			latest = c
		}
	}
	return latest
}

// forget drops a request from the in-flight tables. Callers hold b.mu.
func (b *Bridge) forget(id string) {
	in, ok := b.inflight[id]
	if !ok {
		return
	}
	delete(b.inflight, id)
	for i, p := range in.client.pending {
		if p == id {
			in.client.pending = append(in.client.pending[:i], in.client.pending[i+1:]...)
			break
		}
	}
}

func (b *Bridge) disconnect(c *bridgeClient) {
	b.mu.Lock()
	delete(b.clients, c.id)
	orphans := make(map[string]contracts.ResponseSink, len(c.pending))
	for _, id := range c.pending {
		if in, ok := b.inflight[id]; ok {
			orphans[id] = in.sink
			delete(b.inflight, id)
		}
	}
	c.pending = nil
	b.mu.Unlock()

	_ = c.conn.Close()
	for id, sink := range orphans {
		sink.Fail(id, ErrClientGone)
	}
	log.Info().Str("client", c.id).Int("orphaned", len(orphans)).Msg("🔌 Chat UI disconnected")
}
