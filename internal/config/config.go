package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Zest service and CLI.
//
// Values are resolved in three layers: built-in defaults, then the YAML file
// named by ZEST_CONFIG (if any), then ZEST_* environment variables.
type Config struct {
	Port      int             `yaml:"port" validate:"min=1,max=65535"`
	Version   string          `yaml:"-"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	Agent     AgentConfig     `yaml:"agent"`
	Chat      ChatConfig      `yaml:"chat"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Runner    RunnerConfig    `yaml:"runner"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
}

type AgentConfig struct {
	MaxTurns        int           `yaml:"max_turns" validate:"min=1,max=100"`
	ResponseTimeout time.Duration `yaml:"response_timeout" validate:"min=1s"`
	HistoryWindow   int           `yaml:"history_window" validate:"min=0"`
}

type ChatConfig struct {
	DefaultChannel string         `yaml:"default_channel" validate:"oneof=bridge openai anthropic"`
	RateLimit      float64        `yaml:"rate_limit" validate:"gte=0"`
	Burst          int            `yaml:"burst" validate:"min=1"`
	OpenAI         ProviderConfig `yaml:"openai"`
	Anthropic      ProviderConfig `yaml:"anthropic"`
}

type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens" validate:"min=1"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root" validate:"required"`
}

type ApprovalConfig struct {
	Timeout       time.Duration `yaml:"timeout" validate:"min=1s"`
	CreateTimeout time.Duration `yaml:"create_timeout" validate:"min=1s"`
	AutoApprove   bool          `yaml:"auto_approve"`
}

type RunnerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" validate:"min=1"`
}

type RetentionConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"min=1s"`
	RunMaxAge   time.Duration `yaml:"run_max_age" validate:"min=1m"`
	SessionIdle time.Duration `yaml:"session_idle" validate:"min=1m"`
	// ArchiveDir enables JSONL archiving of expired runs. Empty purges them.
	ArchiveDir string `yaml:"archive_dir"`
	Compress   bool   `yaml:"compress"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

type AuthConfig struct {
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	wd, _ := os.Getwd()
	return &Config{
		Port:     7420,
		Version:  "0.4.0",
		LogLevel: "info",
		Agent: AgentConfig{
			MaxTurns:        10,
			ResponseTimeout: 10 * time.Minute,
			HistoryWindow:   10,
		},
		Chat: ChatConfig{
			DefaultChannel: "bridge",
			RateLimit:      2,
			Burst:          1,
			OpenAI:         ProviderConfig{Model: "gpt-4o-mini", MaxTokens: 4096},
			Anthropic:      ProviderConfig{Model: "claude-sonnet-4-5", MaxTokens: 4096},
		},
		Workspace: WorkspaceConfig{Root: wd},
		Approval: ApprovalConfig{
			Timeout:       5 * time.Minute,
			CreateTimeout: 30 * time.Second,
		},
		Runner: RunnerConfig{MaxConcurrent: 2},
		Retention: RetentionConfig{
			Interval:    10 * time.Minute,
			RunMaxAge:   24 * time.Hour,
			SessionIdle: 12 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "zest",
			Insecure:     true,
			SampleRatio:  1,
		},
		Auth: AuthConfig{CORSOrigins: []string{"*"}},
	}
}

// Load resolves configuration from defaults, the optional YAML file and the
// environment, then validates the result.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("ZEST_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load with an explicit YAML path instead of ZEST_CONFIG.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("ZEST_PORT", c.Port)
	c.LogLevel = envStr("ZEST_LOG_LEVEL", c.LogLevel)

	c.Agent.MaxTurns = envInt("ZEST_AGENT_MAX_TURNS", c.Agent.MaxTurns)
	c.Agent.ResponseTimeout = envDuration("ZEST_AGENT_RESPONSE_TIMEOUT", c.Agent.ResponseTimeout)
	c.Agent.HistoryWindow = envInt("ZEST_AGENT_HISTORY_WINDOW", c.Agent.HistoryWindow)

	c.Chat.DefaultChannel = envStr("ZEST_CHAT_CHANNEL", c.Chat.DefaultChannel)
	c.Chat.RateLimit = envFloat("ZEST_CHAT_RATE_LIMIT", c.Chat.RateLimit)
	c.Chat.OpenAI.APIKey = envStr("OPENAI_API_KEY", c.Chat.OpenAI.APIKey)
	c.Chat.OpenAI.BaseURL = envStr("OPENAI_BASE_URL", c.Chat.OpenAI.BaseURL)
	c.Chat.OpenAI.Model = envStr("ZEST_OPENAI_MODEL", c.Chat.OpenAI.Model)
	c.Chat.Anthropic.APIKey = envStr("ANTHROPIC_API_KEY", c.Chat.Anthropic.APIKey)
	c.Chat.Anthropic.BaseURL = envStr("ANTHROPIC_BASE_URL", c.Chat.Anthropic.BaseURL)
	c.Chat.Anthropic.Model = envStr("ZEST_ANTHROPIC_MODEL", c.Chat.Anthropic.Model)

	c.Workspace.Root = envStr("ZEST_WORKSPACE", c.Workspace.Root)

	c.Approval.Timeout = envDuration("ZEST_APPROVAL_TIMEOUT", c.Approval.Timeout)
	c.Approval.AutoApprove = envBool("ZEST_AUTO_APPROVE", c.Approval.AutoApprove)

	c.Runner.MaxConcurrent = envInt("ZEST_RUNNER_CONCURRENCY", c.Runner.MaxConcurrent)

	c.Retention.RunMaxAge = envDuration("ZEST_RUN_MAX_AGE", c.Retention.RunMaxAge)
	c.Retention.SessionIdle = envDuration("ZEST_SESSION_IDLE", c.Retention.SessionIdle)
	c.Retention.ArchiveDir = envStr("ZEST_ARCHIVE_DIR", c.Retention.ArchiveDir)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Insecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", c.Telemetry.SampleRatio)

	c.Auth.APIKeys = envList("ZEST_API_KEYS", c.Auth.APIKeys)
	c.Auth.CORSOrigins = envList("ZEST_CORS_ORIGINS", c.Auth.CORSOrigins)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
