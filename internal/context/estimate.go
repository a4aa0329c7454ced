// Package context builds bounded model contexts from a channel's
// conversation log under a strict token budget.
package context

import (
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/relay/pkg/models"
)

// Character-per-token divisors by content kind. Code and structured data
// tokenize denser than prose, so they get lower divisors. These are planning
// heuristics, not billing figures; target accuracy is within 15% of real usage.
const (
	ProseCharsPerToken      = 3.6
	CodeCharsPerToken       = 3.1
	StructuredCharsPerToken = 2.8

	// EntryOverheadTokens covers per-message metadata (role, author, framing).
	EntryOverheadTokens = 12

	// AttachmentOverheadTokens covers the reference block injected per attachment.
	AttachmentOverheadTokens = 180
)

// EstimateText estimates the token cost of a chunk of text, splitting it on
// fenced code blocks so code is charged at the denser rate.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	total := 0
	inCode := false
	for _, segment := range strings.Split(text, "```") {
		if inCode {
			total += estimateRunes(segment, CodeCharsPerToken)
		} else {
			total += estimatePlain(segment)
		}
		inCode = !inCode
	}
	if total == 0 {
		return 1
	}
	return total
}

// EstimateEntry estimates the full cost of a log entry including metadata
// and attachment overhead.
func EstimateEntry(e *models.Entry) int {
	tokens := EntryOverheadTokens + EstimateText(e.Text)
	tokens += len(e.Attachments) * AttachmentOverheadTokens
	return tokens
}

// estimatePlain charges structured-looking lines (JSON, YAML fragments,
// tables) at the structured rate and everything else as prose.
func estimatePlain(text string) int {
	total := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if looksStructured(trimmed) {
			total += estimateRunes(line, StructuredCharsPerToken)
		} else {
			total += estimateRunes(line, ProseCharsPerToken)
		}
	}
	return total
}

func looksStructured(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case '{', '[', '|', '<':
		return true
	}
	return strings.Contains(line, "\": ") || strings.Contains(line, "\":")
}

func estimateRunes(text string, charsPerToken float64) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	tokens := int(float64(n) / charsPerToken)
	if tokens == 0 {
		return 1
	}
	return tokens
}
