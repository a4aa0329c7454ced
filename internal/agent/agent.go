// Package agent defines the external agent collaborator: a black-box
// "run this context, stream the output" operation. The orchestrator treats
// the implementation as opaque; cancellation is advisory via the context.
package agent

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Message is one turn of model-ready conversation history.
type Message struct {
	Role    models.Role
	Content string
}

// Request carries everything the agent needs for one run.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int

	// Truncated marks a context whose newest entry alone exceeded the
	// budget; the agent should treat the history as partial.
	Truncated bool
}

// Result is the terminal outcome of a run. A cooperative cancellation is a
// normal result with StopAborted, not an error.
type Result struct {
	StopReason models.StopReason
	Usage      models.Usage
}

// Runner executes agent runs. Implementations must be safe for concurrent
// use across channels.
type Runner interface {
	// Run streams completed text blocks to onText as they arrive and
	// returns the terminal result. Returning an error means the run
	// failed; partial streamed output may already have been delivered.
	Run(ctx context.Context, req *Request, onText func(text string)) (*Result, error)
}

// TokenSource resolves the credential for a run. The run gate supplies one
// backed by the auth manager.
type TokenSource func(ctx context.Context) (string, error)
