package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zps-zest/zest/internal/config"
	"github.com/zps-zest/zest/internal/stages"
	"github.com/zps-zest/zest/pkg/server"
)

// ── Serve ───────────────────────────────────────────────────

func buildServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and chat bridge",
		Long: `Start the Zest service.

The server exposes the session, approval, workflow and tool APIs under
/api/v1, the MCP JSON-RPC endpoint on /mcp, Prometheus metrics on /metrics
and the chat UI bridge on /ws. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides ZEST_PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("version", cfg.Version).Msg("🍋 Zest starting...")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	httpServer := listen(srv)

	log.Info().Int("port", srv.Port).Msg("🔥 Zest is ready!")
	<-ctx.Done()

	log.Info().Msg("🛑 Shutting down gracefully...")
	return shutdown(srv, httpServer)
}

// ── Run ─────────────────────────────────────────────────────

func buildRunCmd() *cobra.Command {
	var (
		in       stages.Input
		diffFile string
		yes      bool
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a fixed workflow and wait for the result",
		Long: `Run one of the fixed workflows: test-generation, code-review or
commit-message.

The HTTP server is started alongside the run so a chat UI can connect on /ws
and pending approvals can be decided through /api/v1/approvals.`,
		Example: `  zest run test-generation --target internal/calc/adder.go --line 12
  zest run code-review --target main.go
  git diff --cached | zest run commit-message --diff-file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if yes {
				cfg.Approval.AutoApprove = true
			}
			if diffFile != "" {
				data, err := readInput(diffFile)
				if err != nil {
					return err
				}
				in.Diff = data
			}
			return runWorkflow(cmd, cfg, args[0], in, wait)
		},
	}
	cmd.Flags().StringVarP(&in.Target, "target", "t", "", "Target file, relative to the workspace root")
	cmd.Flags().IntVarP(&in.Line, "line", "l", 0, "Line inside the declaration to target (1-based)")
	cmd.Flags().StringVar(&diffFile, "diff-file", "", "Unified diff to describe (- reads stdin)")
	cmd.Flags().StringVar(&in.Branch, "branch", "", "Current branch name for commit messages")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every file change without asking")
	cmd.Flags().DurationVar(&wait, "wait-client", time.Minute, "How long to wait for a chat UI when using the bridge")
	return cmd
}

func runWorkflow(cmd *cobra.Command, cfg *config.Config, name string, in stages.Input, wait time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	p, err := srv.Workflow(name)
	if err != nil {
		return err
	}
	httpServer := listen(srv)
	defer shutdown(srv, httpServer)

	if err := awaitChatClient(ctx, srv, wait); err != nil {
		return err
	}

	id := srv.Runner.Submit(p, stages.NewContext(in))
	run, err := srv.Runner.Wait(ctx, id)
	if err != nil {
		return err
	}
	if run.Error != "" {
		return fmt.Errorf("%s failed at %s: %s", name, run.FailedStage, run.Error)
	}

	out := cmd.OutOrStdout()
	switch {
	case run.Output["commit_long"] != nil:
		fmt.Fprintln(out, run.Output["commit_long"])
	case run.Output["output_path"] != nil:
		fmt.Fprintf(out, "Wrote %s\n", run.Output["output_path"])
	default:
		fmt.Fprintln(out, run.Output["response"])
	}
	return nil
}

// ── Ask ─────────────────────────────────────────────────────

func buildAskCmd() *cobra.Command {
	var (
		yes  bool
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the agent a question about the workspace",
		Long: `Send one message through the tool-using agent loop. The agent may read,
search and (with approval) edit files in the workspace before answering.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if yes {
				cfg.Approval.AutoApprove = true
			}
			return runAsk(cmd, cfg, args[0], wait)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve every file change without asking")
	cmd.Flags().DurationVar(&wait, "wait-client", time.Minute, "How long to wait for a chat UI when using the bridge")
	return cmd
}

func runAsk(cmd *cobra.Command, cfg *config.Config, question string, wait time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	httpServer := listen(srv)
	defer shutdown(srv, httpServer)

	if err := awaitChatClient(ctx, srv, wait); err != nil {
		return err
	}

	sess, err := srv.Sessions.Create("cli")
	if err != nil {
		return err
	}
	outcome, err := sess.Send(ctx, question, "")
	if err != nil {
		return err
	}
	if outcome.Err != nil {
		return fmt.Errorf("agent %s: %w", outcome.Reason, outcome.Err)
	}

	out := cmd.OutOrStdout()
	if outcome.Question != "" {
		fmt.Fprintf(out, "%s\n\nThe agent asks: %s\n", outcome.Text, outcome.Question)
		return nil
	}
	fmt.Fprintln(out, outcome.Text)
	return nil
}

// ── Tools ───────────────────────────────────────────────────

func buildToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the agent can call",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer srv.Shutdown(context.Background())

			out := cmd.OutOrStdout()
			for _, spec := range srv.Gateway.List() {
				mode := "read"
				if spec.Mutating {
					mode = "write"
				}
				fmt.Fprintf(out, "%-18s %-5s %s\n", spec.Name, mode, spec.Description)
			}
			return nil
		},
	}
}

// ── Helpers ─────────────────────────────────────────────────

// listen starts the HTTP server in the background.
func listen(srv *server.Server) *http.Server {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Int("port", srv.Port).Msg("HTTP server failed")
		}
	}()
	return httpServer
}

func shutdown(srv *server.Server, httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	return srv.Shutdown(ctx)
}

// awaitChatClient blocks until a chat UI connects when the bridge is the
// default channel. API channels need no client.
func awaitChatClient(ctx context.Context, srv *server.Server, wait time.Duration) error {
	if srv.Channels.Default() != srv.Bridge.Name() || srv.Bridge.Clients() > 0 {
		return nil
	}
	log.Info().Int("port", srv.Port).Dur("wait", wait).Msg("⏳ Waiting for a chat UI on /ws")

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no chat UI connected within %s", wait)
		case <-tick.C:
			if srv.Bridge.Clients() > 0 {
				return nil
			}
		}
	}
}

func readInput(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
