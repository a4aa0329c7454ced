package chatlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

const logFileName = "chat.jsonl"

// maxLineBytes bounds a single log line; entries are chat messages, so
// anything beyond this is a corrupt line.
const maxLineBytes = 4 << 20

// FileStore keeps one JSONL file per channel under a root directory.
// Appends are line-atomic (single O_APPEND write), so another process
// appending between our runs leaves the file readable; the pre-run sync
// picks those entries up. Two processes running the same channel
// concurrently is not supported.
type FileStore struct {
	root string
	log  *slog.Logger

	mu sync.Mutex // serializes appends within this process
}

// NewFileStore creates a file-backed log store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{root: dir, log: logger.With("component", "chatlog")}, nil
}

func (s *FileStore) path(channelID string) string {
	return filepath.Join(s.root, channelID, logFileName)
}

func (s *FileStore) Append(ctx context.Context, channelID string, entry *models.Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(channelID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *FileStore) ReadAll(ctx context.Context, channelID string) ([]*models.Entry, error) {
	return s.ReadSince(ctx, channelID, "")
}

func (s *FileStore) ReadSince(ctx context.Context, channelID, cursor string) ([]*models.Entry, error) {
	f, err := os.Open(s.path(channelID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Entry{}, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var entries []*models.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry models.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Likely a torn write from an interrupted process. Skip the
			// line rather than losing the rest of the log.
			s.log.Warn("skipping malformed log line", "channel", channelID, "line", line, "error", err)
			continue
		}
		if cursor != "" && !models.TSLess(cursor, entry.Timestamp) {
			continue
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	if entries == nil {
		entries = []*models.Entry{}
	}
	return entries, nil
}

func (s *FileStore) Latest(ctx context.Context, channelID string) (string, error) {
	entries, err := s.ReadAll(ctx, channelID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Timestamp, nil
}
