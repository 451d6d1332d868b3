package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/config"
	"github.com/zps-zest/zest/internal/stages"
	"github.com/zps-zest/zest/pkg/models"
	"github.com/zps-zest/zest/pkg/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	srv, err := server.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func TestNew_DefaultsToBridge(t *testing.T) {
	srv := newServer(t, testConfig(t))

	assert.Equal(t, "bridge", srv.Channels.Default())
	assert.Equal(t, []string{"bridge"}, srv.Channels.Names())
	assert.NotEmpty(t, srv.Gateway.List())

	for _, name := range stages.Workflows() {
		p, err := srv.Workflow(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_UnknownDefaultChannel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.DefaultChannel = "openai"

	_, err := server.New(context.Background(), cfg)
	assert.ErrorContains(t, err, "default chat channel")
}

func TestNew_MissingWorkspace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workspace.Root = cfg.Workspace.Root + "/missing"

	_, err := server.New(context.Background(), cfg)
	assert.ErrorContains(t, err, "open workspace")
}

// fakeOpenAI answers every chat completion with reply.
func fakeOpenAI(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(api.Close)
	return api
}

func TestNew_OpenAIChannelAnswersSession(t *testing.T) {
	api := fakeOpenAI(t, "It returns the sum.")
	cfg := testConfig(t)
	cfg.Chat.DefaultChannel = "openai"
	cfg.Chat.RateLimit = 0
	cfg.Chat.OpenAI.APIKey = "sk-test"
	cfg.Chat.OpenAI.BaseURL = api.URL + "/v1"

	srv := newServer(t, cfg)
	assert.Equal(t, []string{"bridge", "openai"}, srv.Channels.Names())

	sess, err := srv.Sessions.Create("s1")
	require.NoError(t, err)
	out, err := sess.Send(context.Background(), "What does Add return?", "")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFinalAnswer, out.Kind)
	assert.Equal(t, "It returns the sum.", out.Text)
	assert.Len(t, sess.History(), 2)
}
