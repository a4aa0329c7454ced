package context

import (
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

// Budget describes the token allocation for one run. It is recomputed for
// every run; nothing here is persisted.
type Budget struct {
	// MaxInputTokens is the model's usable input capacity.
	MaxInputTokens int

	// ReservedForOutput is held back for the model's response.
	ReservedForOutput int

	// FixedOverhead is the estimated cost of the system prompt, memory
	// files, and tool schemas that accompany every request.
	FixedOverhead int
}

// NewBudget computes a budget from limits and the fixed prompt material.
func NewBudget(maxInput, reservedForOutput int, fixed ...string) Budget {
	overhead := 0
	for _, text := range fixed {
		overhead += EstimateText(text)
	}
	return Budget{
		MaxInputTokens:    maxInput,
		ReservedForOutput: reservedForOutput,
		FixedOverhead:     overhead,
	}
}

// AvailableForHistory returns the token budget left for conversation history.
// May be zero or negative when overhead crowds out the window.
func (b Budget) AvailableForHistory() int {
	return b.MaxInputTokens - b.ReservedForOutput - b.FixedOverhead
}

// Window is the bounded subsequence of a channel's log selected for a run.
type Window struct {
	// Entries in chronological order. Always a contiguous suffix of the log.
	Entries []*models.Entry

	TotalTokens  int
	MessageCount int
	DroppedCount int

	// Oldest and Newest are the timestamp range of the selected entries.
	Oldest string
	Newest string

	// Truncated is set when the newest entry alone exceeded the budget and
	// was included regardless. The caller should flag the context as
	// partial rather than fail the run.
	Truncated bool
}

// String returns a one-line summary for logging.
func (w *Window) String() string {
	return fmt.Sprintf("%d messages, %d tokens, %d dropped", w.MessageCount, w.TotalTokens, w.DroppedCount)
}

// Build selects the most recent entries whose combined estimated cost fits
// within the budget's history allocation. Selection walks the log backward
// and stops at the first entry that would exceed the budget; that entry and
// everything older are dropped. The result is deterministic for a fixed log
// snapshot and budget.
//
// A non-empty log never yields an empty window: if even the newest entry
// exceeds the budget on its own it is included with Truncated set.
func Build(entries []*models.Entry, budget Budget) *Window {
	w := &Window{}
	if len(entries) == 0 {
		return w
	}

	available := budget.AvailableForHistory()
	selected := 0
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		cost := EstimateEntry(entries[i])
		if total+cost > available {
			break
		}
		total += cost
		selected++
	}

	if selected == 0 {
		// Never fail a run because one message is large.
		newest := entries[len(entries)-1]
		w.Entries = []*models.Entry{newest}
		w.TotalTokens = EstimateEntry(newest)
		w.MessageCount = 1
		w.DroppedCount = len(entries) - 1
		w.Oldest = newest.Timestamp
		w.Newest = newest.Timestamp
		w.Truncated = true
		return w
	}

	w.Entries = append(w.Entries, entries[len(entries)-selected:]...)
	w.TotalTokens = total
	w.MessageCount = selected
	w.DroppedCount = len(entries) - selected
	w.Oldest = w.Entries[0].Timestamp
	w.Newest = w.Entries[len(w.Entries)-1].Timestamp
	return w
}
