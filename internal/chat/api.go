package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/zps-zest/zest/internal/config"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

const (
	defaultOpenAIModel    = "gpt-4o"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// completeFunc performs one blocking model call.
type completeFunc func(ctx context.Context, p models.Prompt) (string, error)

// apiChannel runs a blocking completion call in the background and hands
// the result to the sink, so it looks like any other asynchronous channel.
type apiChannel struct {
	name     string
	limiter  *rate.Limiter
	complete completeFunc
}

func newAPIChannel(name string, rps float64, burst int, fn completeFunc) *apiChannel {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &apiChannel{name: name, limiter: rate.NewLimiter(limit, burst), complete: fn}
}

func (c *apiChannel) Name() string { return c.name }

// Send waits for a rate-limit token, then calls the API on its own goroutine.
func (c *apiChannel) Send(ctx context.Context, p models.Prompt, sink contracts.ResponseSink) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit: %w", c.name, err)
	}

	go func() {
		start := time.Now()
		text, err := c.complete(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("channel", c.name).Str("request_id", p.ID).Msg("Chat completion failed")
			sink.Fail(p.ID, fmt.Errorf("%s: %w", c.name, err))
			return
		}
		log.Debug().
			Str("channel", c.name).
			Str("request_id", p.ID).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("Chat completion received")
		sink.Complete(p.ID, text)
	}()
	return nil
}

// ── OpenAI ──────────────────────────────────────────────────

// NewOpenAI creates a channel backed by the OpenAI chat completions API
// (or any compatible endpoint set in cfg.BaseURL).
func NewOpenAI(cfg config.ProviderConfig, rps float64, burst int) (contracts.ChatChannel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		oc.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(oc)

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return newAPIChannel("openai", rps, burst, func(ctx context.Context, p models.Prompt) (string, error) {
		messages := make([]openai.ChatCompletionMessage, 0, 2)
		if p.SystemPrompt != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: p.SystemPrompt,
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: p.Text,
		})

		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     model,
			Messages:  messages,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("empty response from model %s", model)
		}
		return resp.Choices[0].Message.Content, nil
	}), nil
}

// ── Anthropic ───────────────────────────────────────────────

// NewAnthropic creates a channel backed by the Anthropic Messages API.
func NewAnthropic(cfg config.ProviderConfig, rps float64, burst int) (contracts.ChatChannel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return newAPIChannel("anthropic", rps, burst, func(ctx context.Context, p models.Prompt) (string, error) {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(p.Text)),
			},
		}
		if p.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: p.SystemPrompt}}
		}

		msg, err := client.Messages.New(ctx, params)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return "", fmt.Errorf("no text in response from model %s", model)
		}
		return b.String(), nil
	}), nil
}
