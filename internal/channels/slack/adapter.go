// Package slack binds the relay transport interfaces to Slack Socket Mode.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config holds the tokens for one Slack workspace connection.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode
}

// Adapter implements channels.Adapter, channels.Conn, and
// channels.HistorySource on top of Slack Socket Mode.
type Adapter struct {
	client       *slack.Client
	socketClient *socketmode.Client
	log          *slog.Logger

	events    chan *models.Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	statusMu  sync.RWMutex
	status    channels.Status
	botUserID string
}

// NewAdapter creates a Slack adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		client:       client,
		socketClient: socketmode.New(client),
		log:          logger.With("component", "slack"),
		events:       make(chan *models.Event, 100),
	}
}

// Start authenticates and begins delivering events via Socket Mode.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	authResp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.statusMu.Lock()
	a.botUserID = authResp.UserID
	a.statusMu.Unlock()
	a.log.Info("connected", "bot_user", authResp.UserID)

	a.wg.Add(2)
	go a.handleEvents()
	go func() {
		defer a.wg.Done()
		if err := a.socketClient.RunContext(a.ctx); err != nil && a.ctx.Err() == nil {
			a.log.Error("socket mode terminated", "error", err)
			a.updateStatus(false, err.Error())
		}
	}()

	a.updateStatus(true, "")
	return nil
}

// Stop shuts down the Socket Mode connection and closes the event stream.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	defer a.closeOnce.Do(func() { close(a.events) })

	select {
	case <-done:
		a.updateStatus(false, "")
		return nil
	case <-ctx.Done():
		a.updateStatus(false, "shutdown timeout")
		return ctx.Err()
	}
}

// Events returns the inbound event stream.
func (a *Adapter) Events() <-chan *models.Event {
	return a.events
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// PostMessage posts a new message and returns its timestamp handle.
func (a *Adapter) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	_, ts, err := a.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces the text of an existing message.
func (a *Adapter) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	if _, _, _, err := a.client.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// PostInThread posts a threaded message under the given parent.
func (a *Adapter) PostInThread(ctx context.Context, channelID, parentTS, text string) (string, error) {
	_, ts, err := a.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false), slack.MsgOptionTS(parentTS))
	if err != nil {
		return "", fmt.Errorf("post in thread: %w", err)
	}
	return ts, nil
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, ts string) error {
	if _, _, err := a.client.DeleteMessageContext(ctx, channelID, ts); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UploadFile shares a file into the channel.
func (a *Adapter) UploadFile(ctx context.Context, channelID, filename string, data []byte) error {
	_, err := a.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:  channelID,
		Filename: filename,
		FileSize: len(data),
		Reader:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	return nil
}

// MessagesSince returns human messages newer than cursor, oldest first.
// Bot messages are excluded: the orchestrator records its own output in the
// log directly.
func (a *Adapter) MessagesSince(ctx context.Context, channelID, cursor string) ([]*models.Event, error) {
	var out []*models.Event
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    cursor,
		Inclusive: false,
		Limit:     200,
	}
	for {
		resp, err := a.client.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("conversation history: %w", err)
		}
		for _, msg := range resp.Messages {
			if msg.BotID != "" || msg.SubType != "" || msg.User == "" {
				continue
			}
			out = append(out, &models.Event{
				Channel:      channelID,
				User:         msg.User,
				Text:         msg.Text,
				Timestamp:    msg.Timestamp,
				ThreadParent: msg.ThreadTimestamp,
			})
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
	// History arrives newest first.
	sort.Slice(out, func(i, j int) bool {
		return models.TSLess(out[i].Timestamp, out[j].Timestamp)
	})
	return out, nil
}

func (a *Adapter) handleEvents() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			a.statusMu.Lock()
			a.status.LastPing = time.Now()
			a.statusMu.Unlock()

			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.log.Debug("connecting to socket mode")
			case socketmode.EventTypeConnectionError:
				a.log.Warn("connection error", "data", event.Data)
				a.updateStatus(false, "connection error")
			case socketmode.EventTypeConnected:
				a.log.Info("socket mode connected")
				a.updateStatus(true, "")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				a.socketClient.Ack(*event.Request)
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.log.Warn("unexpected events api payload", "data", event.Data)
		a.socketClient.Ack(*event.Request)
		return
	}
	a.socketClient.Ack(*event.Request)

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" {
			return
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		a.deliver(convertMessage(ev, a.botID()))
	case *slackevents.AppMentionEvent:
		a.deliver(convertMessage(&slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		}, a.botID()))
	}
}

func (a *Adapter) deliver(ev *models.Event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	default:
		a.log.Warn("event buffer full, dropping message", "channel", ev.Channel)
	}
}

func (a *Adapter) botID() string {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.botUserID
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
	if connected {
		a.status.LastPing = time.Now()
	}
}

// convertMessage converts a Slack message event to the unified event format,
// stripping <@USERID> mentions from the text.
func convertMessage(event *slackevents.MessageEvent, botUserID string) *models.Event {
	text := event.Text
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}

	ev := &models.Event{
		Channel:      event.Channel,
		User:         event.User,
		Text:         strings.TrimSpace(text),
		Timestamp:    event.TimeStamp,
		ThreadParent: event.ThreadTimeStamp,
	}

	if event.Message != nil {
		for _, file := range event.Message.Files {
			ev.Attachments = append(ev.Attachments, models.Attachment{
				ID:       file.ID,
				Filename: file.Name,
				MimeType: file.Mimetype,
				URL:      file.URLPrivateDownload,
				Size:     int64(file.Size),
			})
		}
	}
	return ev
}
