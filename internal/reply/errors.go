package reply

import "errors"

var (
	// ErrNoPrimaryMessage is returned by RespondInThread before any
	// primary message exists to attach to.
	ErrNoPrimaryMessage = errors.New("no primary message to thread under")

	// ErrResponderClosed is returned for operations enqueued after Close.
	ErrResponderClosed = errors.New("responder closed")
)
