package models

import (
	"fmt"
	"strings"
	"time"
)

// Role indicates the author type of a log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason describes how an agent run ended.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopAborted   StopReason = "aborted"
	StopError     StopReason = "error"
)

// Event is an inbound message from the chat transport.
type Event struct {
	Channel      string       `json:"channel"`
	User         string       `json:"user"`
	Text         string       `json:"text"`
	Timestamp    string       `json:"ts"` // platform timestamp, monotonic within a channel
	ThreadParent string       `json:"thread_ts,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// Entry is one persisted conversation log record. Entries are immutable
// once written and ordered by Timestamp within a channel.
type Entry struct {
	Timestamp   string       `json:"ts"` // ordering key and replay cursor
	Role        Role         `json:"role"`
	User        string       `json:"user,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment references a file shared alongside a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Usage reports token consumption for a completed run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EntryFromEvent converts an inbound event into a log entry.
func EntryFromEvent(ev *Event) *Entry {
	return &Entry{
		Timestamp:   ev.Timestamp,
		Role:        RoleUser,
		User:        ev.User,
		Text:        ev.Text,
		Attachments: append([]Attachment(nil), ev.Attachments...),
	}
}

// TSLess reports whether timestamp a is strictly older than b.
// Timestamps are in the platform's "seconds.fraction" format; entries with
// unparseable timestamps sort as oldest.
func TSLess(a, b string) bool {
	return parseTS(a).Before(parseTS(b))
}

// ParseTS converts a platform timestamp string to a time.Time.
func ParseTS(ts string) (time.Time, error) {
	parts := strings.SplitN(ts, ".", 2)
	var sec, frac int64
	if _, err := fmt.Sscanf(parts[0], "%d", &sec); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	if len(parts) == 2 && parts[1] != "" {
		if _, err := fmt.Sscanf(parts[1], "%d", &frac); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		// Normalize the fractional part to microseconds.
		for n := len(parts[1]); n < 6; n++ {
			frac *= 10
		}
		for n := len(parts[1]); n > 6; n-- {
			frac /= 10
		}
	}
	return time.Unix(sec, frac*1000), nil
}

// FormatTS renders a time as a platform timestamp string with
// microsecond precision.
func FormatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func parseTS(ts string) time.Time {
	t, err := ParseTS(ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
