// Package chatlog persists the append-only conversation log for each
// channel. The log is the source of truth for context construction: entries
// are immutable once written and ordered by timestamp within a channel.
package chatlog

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Store is the persistence interface for channel conversation logs.
type Store interface {
	// Append writes an entry at the tail of the channel's log.
	Append(ctx context.Context, channelID string, entry *models.Entry) error

	// ReadAll returns every entry for the channel in timestamp order.
	ReadAll(ctx context.Context, channelID string) ([]*models.Entry, error)

	// ReadSince returns entries strictly newer than the cursor timestamp,
	// in order. An empty cursor reads the whole log.
	ReadSince(ctx context.Context, channelID, cursor string) ([]*models.Entry, error)

	// Latest returns the timestamp of the newest entry, or "" for an
	// empty log.
	Latest(ctx context.Context, channelID string) (string, error)
}
