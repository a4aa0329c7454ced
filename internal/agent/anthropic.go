package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/pkg/models"
)

const defaultMaxTokens = 8192

// truncatedContextNote is prepended to the system prompt when the context
// window had to keep an oversized newest entry.
const truncatedContextNote = "Note: earlier conversation history was omitted to fit the context budget."

// Claude runs agent computations against the Anthropic Messages API using
// an OAuth access token resolved per run.
type Claude struct {
	tokens  TokenSource
	baseURL string
	log     *slog.Logger
}

// NewClaude creates an Anthropic-backed runner. An empty baseURL uses the
// production API.
func NewClaude(tokens TokenSource, baseURL string, logger *slog.Logger) *Claude {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{tokens: tokens, baseURL: baseURL, log: logger.With("component", "agent")}
}

// Run streams one completion. Text blocks are delivered to onText as each
// block completes. A context cancellation surfaces as StopAborted.
func (c *Claude) Run(ctx context.Context, req *Request, onText func(string)) (*Result, error) {
	token, err := c.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	options := []option.RequestOption{option.WithAuthToken(token)}
	if c.baseURL != "" {
		options = append(options, option.WithBaseURL(c.baseURL))
	}
	client := anthropic.NewClient(options...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	system := req.System
	if req.Truncated {
		system = strings.TrimSpace(truncatedContextNote + "\n\n" + system)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	stream := client.Messages.NewStreaming(ctx, params)

	var block strings.Builder
	result := &Result{StopReason: models.StopCompleted}
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			result.Usage.InputTokens = int(start.Message.Usage.InputTokens)
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				block.WriteString(delta.Text)
			}
		case "content_block_stop":
			if text := strings.TrimSpace(block.String()); text != "" {
				onText(text)
			}
			block.Reset()
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				result.Usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
		case "message_stop":
			return result, nil
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			// Cooperative cancellation acknowledged by the transport.
			result.StopReason = models.StopAborted
			return result, nil
		}
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return result, nil
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func maxTokens(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
