// Package channels defines the chat transport boundary. The orchestrator
// consumes an inbound event stream and a message sink; the wire protocol
// behind them is a platform concern.
package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Conn is the outbound message sink for one workspace connection.
// Implementations must be safe for concurrent use; per-message ordering is
// the caller's responsibility (see the reply package).
type Conn interface {
	// PostMessage posts a new message and returns its handle (timestamp).
	PostMessage(ctx context.Context, channelID, text string) (string, error)

	// UpdateMessage replaces the text of an existing message.
	UpdateMessage(ctx context.Context, channelID, ts, text string) error

	// PostInThread posts a message threaded under a parent and returns
	// its handle.
	PostInThread(ctx context.Context, channelID, parentTS, text string) (string, error)

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channelID, ts string) error

	// UploadFile shares a file into the channel.
	UploadFile(ctx context.Context, channelID, filename string, data []byte) error
}

// HistorySource reads messages the platform recorded while this process was
// not running. Used by the pre-run log sync.
type HistorySource interface {
	// MessagesSince returns human messages with timestamps strictly newer
	// than cursor, oldest first. An empty cursor reads from the beginning
	// of the platform's retention.
	MessagesSince(ctx context.Context, channelID, cursor string) ([]*models.Event, error)
}

// Adapter is a running transport binding: an event source with a lifecycle.
type Adapter interface {
	// Start connects and begins delivering events. Blocks until the
	// connection is established or fails.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, closing the events channel.
	Stop(ctx context.Context) error

	// Events returns the inbound event stream.
	Events() <-chan *models.Event

	// Status returns the current connection status.
	Status() Status
}

// Status represents the connection status of a transport.
type Status struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	LastPing  time.Time `json:"last_ping,omitempty"`
}
