// Package commands recognizes the auth command surface inside channel
// text. Matching is exact and case-sensitive; anything unmatched proceeds
// to the agent as normal input.
package commands

import (
	"context"
	"log/slog"
	"strings"

	"github.com/haasonsaas/relay/internal/auth"
)

// Prefix starts every command.
const Prefix = "/"

// StopCommand interrupts the channel's active run. Recognized by the run
// controller's fast path rather than here, since it needs session state.
const StopCommand = "/stop"

// IsCommand reports whether text is addressed to the command surface
// rather than the agent.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Prefix)
}

// Handler executes auth commands synchronously, short-circuiting the run.
type Handler struct {
	auth *auth.Manager
	log  *slog.Logger
}

// NewHandler creates a command handler.
func NewHandler(authManager *auth.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{auth: authManager, log: logger.With("component", "commands")}
}

// Handle dispatches a command and returns the reply text. The second
// return is false when the text is not part of the recognized surface, in
// which case it belongs to the agent.
func (h *Handler) Handle(ctx context.Context, channelID, text string) (string, bool) {
	switch strings.TrimSpace(text) {
	case "/login", "/login anthropic":
		url, _ := h.auth.StartLogin(channelID)
		return "Open this URL to authorize, then paste the code back here:\n" + url, true

	case "/logout", "/logout anthropic":
		if err := h.auth.Logout(); err != nil {
			h.log.Error("logout failed", "channel", channelID, "error", err)
			return "Logout failed: " + err.Error(), true
		}
		h.auth.CancelLogin(channelID)
		return "Logged out.", true

	case "/auth-status", "/auth":
		return h.auth.Status(), true
	}
	return "", false
}
