// Package reply accumulates streamed agent output into a single evolving
// chat message. All mutating operations funnel through one per-responder
// worker queue, so edits against the same message handle are totally
// ordered even when producers are concurrent.
package reply

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/internal/channels"
)

// WorkingIndicator is the suffix appended to the displayed text while the
// agent is still producing output. It is display-only and never stored in
// the accumulated buffer.
const WorkingIndicator = " …"

// Responder manages one primary message plus any thread messages posted
// during a run.
type Responder struct {
	conn      channels.Conn
	channelID string
	log       *slog.Logger

	mu     sync.Mutex
	queue  []task
	wake   *sync.Cond
	closed bool

	// Message state, touched only by the worker goroutine.
	lines     []string
	working   bool
	primaryTS string
	threadTS  []string
}

type task struct {
	run  func(ctx context.Context) error
	done chan error
	ctx  context.Context
}

// NewResponder creates a responder for one channel and starts its worker.
func NewResponder(conn channels.Conn, channelID string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Responder{
		conn:      conn,
		channelID: channelID,
		log:       logger.With("component", "reply", "channel", channelID),
	}
	r.wake = sync.NewCond(&r.mu)
	go r.drain()
	return r
}

// Respond appends a line to the accumulated buffer and re-renders: the
// first call posts a new message, later calls edit it in place.
func (r *Responder) Respond(ctx context.Context, text string) error {
	return r.enqueue(ctx, func(ctx context.Context) error {
		r.lines = append(r.lines, text)
		return r.render(ctx)
	})
}

// ReplaceMessage swaps the entire accumulated buffer for the given text,
// following the same post-then-edit rule as Respond.
func (r *Responder) ReplaceMessage(ctx context.Context, text string) error {
	return r.enqueue(ctx, func(ctx context.Context) error {
		r.lines = []string{text}
		return r.render(ctx)
	})
}

// RespondInThread posts a secondary message threaded under the primary
// message. Valid only once a primary message exists.
func (r *Responder) RespondInThread(ctx context.Context, text string) error {
	return r.enqueue(ctx, func(ctx context.Context) error {
		if r.primaryTS == "" {
			return ErrNoPrimaryMessage
		}
		ts, err := r.conn.PostInThread(ctx, r.channelID, r.primaryTS, text)
		if err != nil {
			return err
		}
		r.threadTS = append(r.threadTS, ts)
		return nil
	})
}

// SetWorking toggles the working-suffix indicator and immediately
// re-renders the primary message if one exists.
func (r *Responder) SetWorking(ctx context.Context, working bool) error {
	return r.enqueue(ctx, func(ctx context.Context) error {
		if r.working == working {
			return nil
		}
		r.working = working
		if r.primaryTS == "" {
			return nil
		}
		return r.render(ctx)
	})
}

// DeleteMessage deletes every thread message in reverse creation order,
// then the primary message, then clears all handles. Thread deletion is
// best-effort: individual failures are logged and skipped so one failure
// does not block the rest. Safe to call when nothing was posted.
func (r *Responder) DeleteMessage(ctx context.Context) error {
	return r.enqueue(ctx, func(ctx context.Context) error {
		for i := len(r.threadTS) - 1; i >= 0; i-- {
			if err := r.conn.DeleteMessage(ctx, r.channelID, r.threadTS[i]); err != nil {
				r.log.Warn("failed to delete thread message", "ts", r.threadTS[i], "error", err)
			}
		}
		var err error
		if r.primaryTS != "" {
			err = r.conn.DeleteMessage(ctx, r.channelID, r.primaryTS)
		}
		r.primaryTS = ""
		r.threadTS = nil
		r.lines = nil
		r.working = false
		return err
	})
}

// Text returns the accumulated buffer (without the working indicator). A
// closed responder reports an empty buffer.
func (r *Responder) Text() string {
	done := make(chan string, 1)
	err := r.enqueue(context.Background(), func(context.Context) error {
		done <- strings.Join(r.lines, "\n")
		return nil
	})
	if err != nil {
		return ""
	}
	return <-done
}

// Close stops the worker once queued operations have drained.
func (r *Responder) Close() {
	r.mu.Lock()
	r.closed = true
	r.wake.Broadcast()
	r.mu.Unlock()
}

// render pushes the current buffer to the platform, posting on first use
// and editing thereafter. Worker-only.
func (r *Responder) render(ctx context.Context) error {
	display := strings.Join(r.lines, "\n")
	if r.working {
		display += WorkingIndicator
	}
	if r.primaryTS == "" {
		ts, err := r.conn.PostMessage(ctx, r.channelID, display)
		if err != nil {
			return err
		}
		r.primaryTS = ts
		return nil
	}
	return r.conn.UpdateMessage(ctx, r.channelID, r.primaryTS, display)
}

// enqueue appends an operation to the serialization queue and waits for the
// worker to execute it, preserving strict arrival order.
func (r *Responder) enqueue(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{run: fn, done: make(chan error, 1), ctx: ctx}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrResponderClosed
	}
	r.queue = append(r.queue, t)
	r.wake.Signal()
	r.mu.Unlock()
	return <-t.done
}

func (r *Responder) drain() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.wake.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		t := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		t.done <- t.run(t.ctx)
	}
}
