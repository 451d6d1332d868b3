// Package server wires the Zest components into a ready service.
//
// It lives in pkg/ so that other hosts (the CLI, an editor plugin) can
// compose the same stack and mount the handler however they like.
//
// Usage:
//
//	srv, err := server.New(ctx, cfg)
//	http.ListenAndServe(":7420", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/internal/agent"
	"github.com/zps-zest/zest/internal/api"
	"github.com/zps-zest/zest/internal/api/handlers"
	"github.com/zps-zest/zest/internal/approval"
	"github.com/zps-zest/zest/internal/chat"
	"github.com/zps-zest/zest/internal/config"
	"github.com/zps-zest/zest/internal/events"
	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/retention"
	"github.com/zps-zest/zest/internal/runner"
	"github.com/zps-zest/zest/internal/sessions"
	"github.com/zps-zest/zest/internal/stages"
	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/internal/toolgw"
	"github.com/zps-zest/zest/internal/tools"
	"github.com/zps-zest/zest/internal/workspace"
	"github.com/zps-zest/zest/pkg/contracts"
)

// Server holds the initialized Zest service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config    *config.Config
	Port      int
	Workspace *workspace.Workspace
	Channels  *chat.Registry
	Bridge    *chat.Bridge
	Gates     *approval.Gates
	Gateway   *toolgw.Gateway
	Sessions  *sessions.Manager
	Runner    *runner.Runner
	Events    *events.Bus
	Metrics   *telemetry.Metrics

	deps         stages.Deps
	unsubscribe  func()
	stopJanitor  context.CancelFunc
	shutdownOTel func(context.Context) error
}

// New initializes every component from cfg and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	bus := events.NewBus(events.DefaultCapacity)

	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	log.Info().Str("root", ws.Root()).Msg("✅ Workspace opened")

	gates := approval.New(
		approval.WithTimeout(cfg.Approval.Timeout),
		approval.WithAutoApprove(cfg.Approval.AutoApprove),
		approval.WithEvents(bus),
		approval.WithMetrics(metrics),
	)

	gw := toolgw.New(metrics)
	tools.Register(gw, ws, tools.Options{
		Approver:       gates,
		CreateApprover: gates.Within(cfg.Approval.CreateTimeout),
	})
	log.Info().Int("tools", len(gw.List())).Msg("✅ Tool gateway initialized")

	s := &Server{
		Config:       cfg,
		Port:         cfg.Port,
		Workspace:    ws,
		Gates:        gates,
		Gateway:      gw,
		Events:       bus,
		Metrics:      metrics,
		shutdownOTel: shutdown,
	}

	// The bridge's new_chat frame resets the matching session, so the
	// session manager must exist before the bridge sees any traffic.
	s.Bridge = chat.NewBridge(
		chat.WithAllowedOrigins(cfg.Auth.CORSOrigins),
		chat.WithNewChatHandler(s.resetSession),
	)
	s.Channels, err = buildChannels(cfg, s.Bridge)
	if err != nil {
		return nil, err
	}
	channel, err := s.Channels.Resolve("")
	if err != nil {
		return nil, err
	}
	log.Info().Str("default", channel.Name()).Strs("channels", s.Channels.Names()).Msg("✅ Chat channels initialized")

	agentOpts := []agent.Option{
		agent.WithMaxTurns(cfg.Agent.MaxTurns),
		agent.WithResponseTimeout(cfg.Agent.ResponseTimeout),
		agent.WithHistoryWindow(cfg.Agent.HistoryWindow),
		agent.WithMetrics(metrics),
	}
	s.Sessions = sessions.NewManager(func(id string, w agent.Waiter) *agent.Driver {
		opts := append([]agent.Option{agent.WithEvents(bus.ForSession(id))}, agentOpts...)
		return agent.New(channel, w, gw, opts...)
	}, cfg.Agent.ResponseTimeout, metrics)

	s.Runner = runner.New(cfg.Runner.MaxConcurrent,
		runner.WithOutput(stages.Output),
		runner.WithEvents(bus),
		runner.WithMetrics(metrics),
	)

	s.deps = stages.Deps{
		Workspace:       ws,
		Channel:         channel,
		Tools:           gw,
		Approver:        gates,
		ResponseTimeout: cfg.Agent.ResponseTimeout,
		AgentOptions:    append([]agent.Option{agent.WithEvents(bus)}, agentOpts...),
		Metrics:         metrics,
	}

	s.unsubscribe = forwardEvents(bus, s.Bridge)
	s.stopJanitor = startJanitor(cfg.Retention, s.Runner, s.Sessions)

	h := &handlers.Handlers{
		Sessions:  s.Sessions,
		Gates:     gates,
		Runner:    s.Runner,
		Gateway:   gw,
		Events:    bus,
		Workflows: s.Workflow,
		Names:     stages.Workflows(),
	}
	s.Handler = api.NewRouter(cfg, h, api.Options{
		Bridge:   s.Bridge,
		Gatherer: reg,
		Metrics:  metrics,
	})
	log.Info().Strs("workflows", h.Names).Msg("✅ Workflow runner initialized")

	return s, nil
}

// Workflow builds the named fixed pipeline against this server's components.
func (s *Server) Workflow(name string) (*pipeline.Pipeline, error) {
	return stages.Build(name, s.deps)
}

// Shutdown stops background runs, closes sessions and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopJanitor()
	s.unsubscribe()
	s.Runner.Close()
	s.Sessions.Close()
	return s.shutdownOTel(ctx)
}

func (s *Server) resetSession(id string) {
	if id == "" {
		return
	}
	sess, err := s.Sessions.GetOrCreate(id)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("New chat for unknown session")
		return
	}
	sess.NewConversation()
}

// buildChannels registers the bridge plus any API channel with a key.
func buildChannels(cfg *config.Config, bridge *chat.Bridge) (*chat.Registry, error) {
	reg := chat.NewRegistry()
	reg.Register(bridge)

	add := func(name string, key string, build func() (contracts.ChatChannel, error)) error {
		if key == "" {
			return nil
		}
		ch, err := build()
		if err != nil {
			return fmt.Errorf("init %s channel: %w", name, err)
		}
		reg.Register(ch)
		return nil
	}
	if err := add("openai", cfg.Chat.OpenAI.APIKey, func() (contracts.ChatChannel, error) {
		return chat.NewOpenAI(cfg.Chat.OpenAI, cfg.Chat.RateLimit, cfg.Chat.Burst)
	}); err != nil {
		return nil, err
	}
	if err := add("anthropic", cfg.Chat.Anthropic.APIKey, func() (contracts.ChatChannel, error) {
		return chat.NewAnthropic(cfg.Chat.Anthropic, cfg.Chat.RateLimit, cfg.Chat.Burst)
	}); err != nil {
		return nil, err
	}

	if err := reg.SetDefault(cfg.Chat.DefaultChannel); err != nil {
		return nil, fmt.Errorf("default chat channel: %w", err)
	}
	return reg, nil
}

// forwardEvents pushes every bus event to connected chat UIs until the
// returned func is called.
func forwardEvents(bus *events.Bus, bridge *chat.Bridge) func() {
	ch := bus.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			bridge.Forward(e)
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}

// startJanitor sweeps expired runs and idle sessions in the background.
func startJanitor(cfg config.RetentionConfig, runs *runner.Runner, sess *sessions.Manager) context.CancelFunc {
	opts := []retention.Option{
		retention.WithRunMaxAge(cfg.RunMaxAge),
		retention.WithSessionIdle(cfg.SessionIdle),
	}
	if cfg.ArchiveDir != "" {
		opts = append(opts, retention.WithArchiver(retention.NewLocalFileArchiver(cfg.ArchiveDir, cfg.Compress)))
	}
	j := retention.NewJanitor(runs, sess, cfg.Interval, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
