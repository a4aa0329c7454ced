// Package runner drives the per-channel run lifecycle: event triage, the
// single-flight run gate, pre-run log sync, context assembly, agent
// execution, and terminal cleanup. Every path out of a run returns the
// channel to idle.
package runner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/chatlog"
	"github.com/haasonsaas/relay/internal/commands"
	contextwin "github.com/haasonsaas/relay/internal/context"
	"github.com/haasonsaas/relay/internal/reply"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// Terminal outcome labels for the run counter.
const (
	outcomeCompleted       = "completed"
	outcomeAborted         = "aborted"
	outcomeFailed          = "failed"
	outcomeUnauthenticated = "unauthenticated"
)

const (
	msgStopping      = "Stopping..."
	msgStopped       = "Stopped."
	msgNoRun         = "No run in progress."
	msgNotAuthorized = "Not authenticated. Run /login to connect your account."
)

// Config carries the per-run parameters the controller forwards to the
// agent and the window builder.
type Config struct {
	Model             string
	SystemPrompt      string
	MaxTokens         int
	MaxInputTokens    int
	ReservedForOutput int
}

// Controller owns run orchestration for all channels. One instance serves
// the whole workspace; per-channel isolation comes from the session
// registry.
type Controller struct {
	cfg      Config
	registry *sessions.Registry
	store    chatlog.Store
	auth     *auth.Manager
	agent    agent.Runner
	conn     channels.Conn
	history  channels.HistorySource // nil when the transport keeps no history
	commands *commands.Handler
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewController wires a controller. history may be nil; metrics may be nil
// to disable instrumentation.
func NewController(cfg Config, registry *sessions.Registry, store chatlog.Store, authManager *auth.Manager, runner agent.Runner, conn channels.Conn, history channels.HistorySource, metrics *Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		registry: registry,
		store:    store,
		auth:     authManager,
		agent:    runner,
		conn:     conn,
		history:  history,
		commands: commands.NewHandler(authManager, logger),
		metrics:  metrics,
		log:      logger.With("component", "runner"),
		now:      time.Now,
	}
}

// HandleEvent triages one inbound event and, when it is agent input, runs
// the channel's agent turn synchronously. Callers dispatch each event on
// its own goroutine; the single-flight gate makes concurrent calls for the
// same channel safe.
func (c *Controller) HandleEvent(ctx context.Context, ev *models.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Attachments) == 0 {
		return
	}

	sess, err := c.registry.GetOrCreate(ev.Channel)
	if err != nil {
		c.log.Error("session create failed", "channel", ev.Channel, "error", err)
		return
	}

	// Stop bypasses the run gate: it must reach a channel that is busy.
	if text == commands.StopCommand {
		c.handleStop(ctx, sess)
		return
	}

	if replyText, handled := c.commands.Handle(ctx, ev.Channel, text); handled {
		c.post(ctx, ev.Channel, replyText)
		return
	}

	if c.auth.IsLoginReply(ev.Channel, text) {
		res := c.auth.CompleteLogin(ctx, ev.Channel, text)
		if res.Success {
			c.post(ctx, ev.Channel, "Logged in: "+res.Detail)
		} else {
			c.post(ctx, ev.Channel, "Login failed: "+res.Detail)
		}
		return
	}

	if !sess.TryBeginRun() {
		// A run is active; the message still lands in the log via the
		// next run's history sync.
		c.log.Debug("event ignored, run active", "channel", ev.Channel, "ts", ev.Timestamp)
		return
	}
	defer sess.EndRun()

	c.run(ctx, sess, ev)
}

// handleStop cancels the channel's active run and posts an acknowledgement
// whose handle the terminal path edits in place.
func (c *Controller) handleStop(ctx context.Context, sess *sessions.Session) {
	if !sess.Running() {
		c.post(ctx, sess.ChannelID, msgNoRun)
		return
	}
	// Post the acknowledgement before cancelling so the terminal path
	// always finds a handle to edit.
	ts, err := c.conn.PostMessage(ctx, sess.ChannelID, msgStopping)
	if err != nil {
		c.log.Warn("stop ack post failed", "channel", sess.ChannelID, "error", err)
	} else {
		sess.SetStopAck(ts)
	}
	if !sess.RequestStop() {
		// The run finished on its own while the ack was posting.
		if ts != "" {
			c.conn.UpdateMessage(ctx, sess.ChannelID, ts, msgNoRun)
		}
		return
	}
	c.log.Info("stop requested", "channel", sess.ChannelID)
}

// run executes one agent turn. The session is already held; every return
// path leaves the channel consistent.
func (c *Controller) run(ctx context.Context, sess *sessions.Session, ev *models.Event) {
	channelID := sess.ChannelID

	// A stop can land at any point of the run, including before the agent
	// starts or after it has already finished. The acknowledgement is
	// reconciled on the way out regardless of which terminal branch ran.
	defer func() {
		if sess.StopRequested() {
			c.acknowledgeStop(ctx, sess)
		}
	}()

	if _, err := c.auth.AccessToken(ctx); err != nil {
		c.log.Info("run rejected, no credential", "channel", channelID)
		c.post(ctx, channelID, msgNotAuthorized)
		c.count(outcomeUnauthenticated)
		return
	}

	if err := c.syncLog(ctx, ev); err != nil {
		// The window is built from what we have; missing backfill only
		// costs context, not correctness.
		c.log.Warn("pre-run log sync failed", "channel", channelID, "error", err)
	}

	if err := c.store.Append(ctx, channelID, models.EntryFromEvent(ev)); err != nil {
		c.log.Error("append trigger entry failed", "channel", channelID, "error", err)
		c.post(ctx, channelID, "Could not record the message; run aborted.")
		c.count(outcomeFailed)
		return
	}

	entries, err := c.store.ReadAll(ctx, channelID)
	if err != nil {
		c.log.Error("read log failed", "channel", channelID, "error", err)
		c.count(outcomeFailed)
		return
	}

	budget := contextwin.NewBudget(c.cfg.MaxInputTokens, c.cfg.ReservedForOutput, c.cfg.SystemPrompt)
	window := contextwin.Build(entries, budget)
	c.log.Info("context window built", "channel", channelID, "window", window.String())
	if c.metrics != nil {
		c.metrics.WindowDropped.Add(float64(window.DroppedCount))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.SetCancel(cancel)

	responder := reply.NewResponder(c.conn, channelID, c.log)
	defer responder.Close()
	if err := responder.SetWorking(ctx, true); err != nil {
		c.log.Warn("working indicator failed", "channel", channelID, "error", err)
	}

	req := &agent.Request{
		Model:     c.cfg.Model,
		System:    c.cfg.SystemPrompt,
		Messages:  windowMessages(window),
		MaxTokens: c.cfg.MaxTokens,
		Truncated: window.Truncated,
	}

	started := c.now()
	result, err := c.agent.Run(runCtx, req, func(text string) {
		// Responder ops use the dispatch context: streamed output must
		// still render after the run context is cancelled.
		if err := responder.Respond(ctx, text); err != nil {
			c.log.Warn("respond failed", "channel", channelID, "error", err)
		}
	})
	if c.metrics != nil {
		c.metrics.RunDuration.Observe(c.now().Sub(started).Seconds())
	}

	if err != nil {
		// Agent failures never crash the channel; partial output stays
		// visible and the channel returns to idle.
		c.log.Error("agent run failed", "channel", channelID, "error", err)
		responder.SetWorking(ctx, false)
		c.count(outcomeFailed)
		return
	}

	responder.SetWorking(ctx, false)
	c.recordResponse(ctx, channelID, responder.Text())

	switch result.StopReason {
	case models.StopAborted:
		c.count(outcomeAborted)
		c.log.Info("run aborted", "channel", channelID)
	default:
		c.count(outcomeCompleted)
		if c.metrics != nil {
			c.metrics.TokensUsed.WithLabelValues("input").Add(float64(result.Usage.InputTokens))
			c.metrics.TokensUsed.WithLabelValues("output").Add(float64(result.Usage.OutputTokens))
		}
		c.log.Info("run completed", "channel", channelID,
			"input_tokens", result.Usage.InputTokens,
			"output_tokens", result.Usage.OutputTokens)
	}
}

// syncLog backfills platform messages recorded while the process was down,
// strictly older than the triggering event. Cursor-based, so replaying
// with zero new entries is a no-op.
func (c *Controller) syncLog(ctx context.Context, ev *models.Event) error {
	if c.history == nil {
		return nil
	}
	cursor, err := c.store.Latest(ctx, ev.Channel)
	if err != nil {
		return err
	}
	missed, err := c.history.MessagesSince(ctx, ev.Channel, cursor)
	if err != nil {
		return err
	}
	appended := 0
	for _, m := range missed {
		if !models.TSLess(m.Timestamp, ev.Timestamp) {
			// The trigger itself and anything newer get appended by
			// their own dispatch, not the backfill.
			continue
		}
		if err := c.store.Append(ctx, ev.Channel, models.EntryFromEvent(m)); err != nil {
			return err
		}
		appended++
	}
	if appended > 0 {
		c.log.Info("log backfilled", "channel", ev.Channel, "entries", appended)
	}
	return nil
}

// recordResponse persists the assistant's accumulated output. An empty
// response writes nothing.
func (c *Controller) recordResponse(ctx context.Context, channelID, text string) {
	if text == "" {
		return
	}
	entry := &models.Entry{
		Timestamp: models.FormatTS(c.now()),
		Role:      models.RoleAssistant,
		Text:      text,
	}
	if err := c.store.Append(ctx, channelID, entry); err != nil {
		c.log.Error("append response failed", "channel", channelID, "error", err)
	}
}

// acknowledgeStop converts the "stopping" acknowledgement into the terminal
// "stopped" message, editing in place when the ack handle survived.
func (c *Controller) acknowledgeStop(ctx context.Context, sess *sessions.Session) {
	if ts := sess.TakeStopAck(); ts != "" {
		if err := c.conn.UpdateMessage(ctx, sess.ChannelID, ts, msgStopped); err == nil {
			return
		}
	}
	c.post(ctx, sess.ChannelID, msgStopped)
}

func (c *Controller) post(ctx context.Context, channelID, text string) {
	if _, err := c.conn.PostMessage(ctx, channelID, text); err != nil {
		c.log.Warn("post failed", "channel", channelID, "error", err)
	}
}

func (c *Controller) count(outcome string) {
	if c.metrics != nil {
		c.metrics.RunCounter.WithLabelValues(outcome).Inc()
	}
}

// windowMessages flattens a context window into agent turns. Attachments
// are surfaced as bracketed references since the transport delivers them
// out of band.
func windowMessages(w *contextwin.Window) []agent.Message {
	out := make([]agent.Message, 0, len(w.Entries))
	for _, e := range w.Entries {
		content := e.Text
		for _, a := range e.Attachments {
			name := a.Filename
			if name == "" {
				name = a.ID
			}
			content += "\n[attached file: " + name + "]"
		}
		out = append(out, agent.Message{Role: e.Role, Content: strings.TrimSpace(content)})
	}
	return out
}
