package chatlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*models.Entry
}

// NewMemoryStore creates a new in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]*models.Entry{}}
}

func (m *MemoryStore) Append(ctx context.Context, channelID string, entry *models.Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[channelID] = append(m.entries[channelID], cloneEntry(entry))
	return nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, channelID string) ([]*models.Entry, error) {
	return m.ReadSince(ctx, channelID, "")
}

func (m *MemoryStore) ReadSince(ctx context.Context, channelID, cursor string) ([]*models.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Entry{}
	for _, entry := range m.entries[channelID] {
		if cursor != "" && !models.TSLess(cursor, entry.Timestamp) {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

func (m *MemoryStore) Latest(ctx context.Context, channelID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[channelID]
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Timestamp, nil
}

func cloneEntry(entry *models.Entry) *models.Entry {
	if entry == nil {
		return nil
	}
	clone := *entry
	if len(entry.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, entry.Attachments...)
	}
	return &clone
}
