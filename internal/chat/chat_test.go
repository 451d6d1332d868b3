package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/chat"
	"github.com/zps-zest/zest/internal/config"
	"github.com/zps-zest/zest/internal/correlator"
	"github.com/zps-zest/zest/pkg/models"
)

func dialBridge(t *testing.T, b *chat.Bridge, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestBridge_NoClient(t *testing.T) {
	b := chat.NewBridge()
	corr := correlator.New()
	defer corr.Close()

	p := corr.Await(time.Second)
	err := b.Send(context.Background(), models.Prompt{ID: p.ID, Text: "hi"}, corr)
	assert.ErrorIs(t, err, chat.ErrNoClient)
}

func TestBridge_PromptAndResponse(t *testing.T) {
	b := chat.NewBridge()
	conn := dialBridge(t, b, "?sessionId=s1")
	corr := correlator.New()
	defer corr.Close()

	pending := corr.Await(5 * time.Second)
	require.NoError(t, b.Send(context.Background(), models.Prompt{
		ID: pending.ID, SessionID: "s1", Text: "What is 2+2?", SystemPrompt: "Be brief.",
	}, corr))

	var f chat.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, chat.FramePrompt, f.Type)
	assert.Equal(t, pending.ID, f.RequestID)
	assert.Equal(t, "What is 2+2?", f.Text)
	assert.Equal(t, "Be brief.", f.SystemPrompt)

	require.NoError(t, conn.WriteJSON(chat.Frame{
		Type: chat.FrameResponse, RequestID: f.RequestID, MessageID: "m1", Content: "4",
	}))

	text, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4", text)
}

func TestBridge_ResponseWithoutRequestID(t *testing.T) {
	b := chat.NewBridge()
	conn := dialBridge(t, b, "")
	corr := correlator.New()
	defer corr.Close()

	pending := corr.Await(5 * time.Second)
	require.NoError(t, b.Send(context.Background(), models.Prompt{ID: pending.ID, Text: "hi"}, corr))

	var f chat.Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.NoError(t, conn.WriteJSON(chat.Frame{Type: chat.FrameResponse, Content: "hello"}))

	text, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestBridge_DisconnectFailsInflight(t *testing.T) {
	b := chat.NewBridge()
	conn := dialBridge(t, b, "")
	corr := correlator.New()
	defer corr.Close()

	pending := corr.Await(5 * time.Second)
	require.NoError(t, b.Send(context.Background(), models.Prompt{ID: pending.ID, Text: "hi"}, corr))
	conn.Close()

	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, chat.ErrClientGone)
}

func TestBridge_NewChatFrame(t *testing.T) {
	got := make(chan string, 1)
	b := chat.NewBridge(chat.WithNewChatHandler(func(sessionID string) { got <- sessionID }))
	conn := dialBridge(t, b, "")

	require.NoError(t, conn.WriteJSON(chat.Frame{Type: chat.FrameHello, SessionID: "s9"}))
	require.NoError(t, conn.WriteJSON(chat.Frame{Type: chat.FrameNewChat}))

	select {
	case id := <-got:
		assert.Equal(t, "s9", id)
	case <-time.After(time.Second):
		t.Fatal("new chat handler not called")
	}
}

func TestRegistry(t *testing.T) {
	r := chat.NewRegistry()
	bridge := chat.NewBridge()
	r.Register(bridge)

	ch, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "bridge", ch.Name())

	_, err = r.Resolve("carrier-pigeon")
	assert.ErrorIs(t, err, chat.ErrUnknownChannel)
	assert.ErrorIs(t, r.SetDefault("carrier-pigeon"), chat.ErrUnknownChannel)
	assert.Equal(t, []string{"bridge"}, r.Names())
}

func TestOpenAI_CompletesSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"from openai"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	ch, err := chat.NewOpenAI(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-test"}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "openai", ch.Name())

	corr := correlator.New()
	defer corr.Close()
	pending := corr.Await(5 * time.Second)
	require.NoError(t, ch.Send(context.Background(), models.Prompt{ID: pending.ID, Text: "hi", SystemPrompt: "sys"}, corr))

	text, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from openai", text)
}

func TestOpenAI_ErrorFailsSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	ch, err := chat.NewOpenAI(config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, 0, 1)
	require.NoError(t, err)

	corr := correlator.New()
	defer corr.Close()
	pending := corr.Await(5 * time.Second)
	require.NoError(t, ch.Send(context.Background(), models.Prompt{ID: pending.ID, Text: "hi"}, corr))

	_, err = pending.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai")
	assert.Equal(t, correlator.StateFailed, pending.State())
}

func TestAnthropic_CompletesSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"from claude"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer srv.Close()

	ch, err := chat.NewAnthropic(config.ProviderConfig{APIKey: "sk-ant-test", BaseURL: srv.URL, Model: "claude-test"}, 0, 1)
	require.NoError(t, err)

	corr := correlator.New()
	defer corr.Close()
	pending := corr.Await(5 * time.Second)
	require.NoError(t, ch.Send(context.Background(), models.Prompt{ID: pending.ID, Text: "hi", SystemPrompt: "sys"}, corr))

	text, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from claude", text)
}

func TestAPIChannels_RequireKey(t *testing.T) {
	_, err := chat.NewOpenAI(config.ProviderConfig{}, 0, 1)
	assert.Error(t, err)
	_, err = chat.NewAnthropic(config.ProviderConfig{}, 0, 1)
	assert.Error(t, err)
}
