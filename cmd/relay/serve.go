package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/auth"
	slackchannel "github.com/haasonsaas/relay/internal/channels/slack"
	"github.com/haasonsaas/relay/internal/chatlog"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/sessions"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay orchestrator",
		Long: `Start the relay orchestrator against the configured Slack workspace.

The server will:
1. Load configuration from the specified file
2. Open the workspace directory (conversation logs and credentials)
3. Connect to Slack via Socket Mode
4. Dispatch channel events to the run controller

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version,
		"config", configPath,
		"workspace", cfg.Workspace.Dir,
		"model", cfg.Agent.Model,
	)

	if err := os.MkdirAll(cfg.Workspace.Dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	store, err := chatlog.NewFileStore(cfg.Workspace.Dir, logger)
	if err != nil {
		return fmt.Errorf("open conversation log store: %w", err)
	}

	creds := auth.NewCredentialStore(cfg.Workspace.Dir)
	authManager := auth.NewManager(creds, auth.NewTokenClient(""), logger)

	adapter := slackchannel.NewAdapter(slackchannel.Config{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
	}, logger)

	claude := agent.NewClaude(agent.TokenSource(authManager.AccessToken), "", logger)

	var metrics *runner.Metrics
	if cfg.Metrics.Enabled {
		metrics = runner.NewMetrics(nil)
	}

	controller := runner.NewController(
		runner.Config{
			Model:             cfg.Agent.Model,
			SystemPrompt:      cfg.Agent.SystemPrompt,
			MaxTokens:         cfg.Agent.MaxTokens,
			MaxInputTokens:    cfg.Budget.MaxInputTokens,
			ReservedForOutput: cfg.Budget.ReservedForOutput,
		},
		sessions.NewRegistry(cfg.Workspace.Dir),
		store,
		authManager,
		claude,
		adapter,
		adapter,
		metrics,
		logger,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start slack adapter: %w", err)
	}
	logger.Info("relay started")

	// Each event dispatches on its own goroutine; the per-channel
	// single-flight gate lives in the controller.
	for {
		select {
		case <-ctx.Done():
			return shutdown(adapter, metricsServer, logger)
		case ev, ok := <-adapter.Events():
			if !ok {
				return shutdown(adapter, metricsServer, logger)
			}
			go controller.HandleEvent(ctx, ev)
		}
	}
}

func shutdown(adapter *slackchannel.Adapter, metricsServer *http.Server, logger *slog.Logger) error {
	logger.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := adapter.Stop(stopCtx); err != nil {
		logger.Warn("adapter stop failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(stopCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}
