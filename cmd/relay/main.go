// Package main provides the CLI entry point for the relay channel
// orchestrator.
//
// Relay binds a Slack workspace to an Anthropic-backed agent: each channel
// gets a persisted conversation log, a single-flight run loop, and a
// chat-mediated OAuth login flow.
//
// # Basic Usage
//
// Start the orchestrator:
//
//	relay serve --config relay.yaml
//
// # Environment Variables
//
// The configuration file expands environment references, so tokens are
// typically supplied as:
//
//   - SLACK_BOT_TOKEN: Slack bot OAuth token (xoxb-)
//   - SLACK_APP_TOKEN: Slack app-level token for Socket Mode (xapp-)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - per-channel agent run orchestrator",
		Long:         "Relay connects Slack channels to an Anthropic-backed agent with persisted per-channel conversation logs and chat-mediated OAuth login.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
