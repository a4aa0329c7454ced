// Package sessions owns one session record per channel and enforces the
// single-flight invariant: at most one agent run active per channel.
package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Session is the per-channel run state. Created on first event for a
// channel and retained for the process lifetime. Only the run controller
// mutates it.
type Session struct {
	ChannelID string
	WorkDir   string

	mu            sync.Mutex
	running       bool
	stopRequested bool
	stopAckTS     string // message handle of the "stopping" acknowledgement
	cancel        context.CancelFunc
}

// TryBeginRun transitions the session to running if it is idle. Returns
// false when a run is already active; callers must ignore the event for
// run-starting purposes in that case.
func (s *Session) TryBeginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.stopRequested = false
	s.stopAckTS = ""
	return true
}

// EndRun returns the session to idle. Called on every terminal path,
// deferred so no outcome can leave the channel wedged in running.
func (s *Session) EndRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancel = nil
}

// Running reports whether a run is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetCancel installs the in-flight run's cancellation hook. A stop request
// that arrived before the hook was installed fires it immediately, so a
// stop landing during run setup is never dropped.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.stopRequested && cancel != nil {
		cancel()
	}
}

// RequestStop marks the active run for cancellation and signals it. The
// stop is advisory: the run controller waits for the agent's own
// cancellation acknowledgement before leaving the running state. Returns
// false when no run is active.
func (s *Session) RequestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.stopRequested = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// StopRequested reports whether a stop was requested for the current run.
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// SetStopAck records the handle of the "stopping" acknowledgement message
// so the terminal "stopped" message can edit it in place.
func (s *Session) SetStopAck(ts string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAckTS = ts
}

// TakeStopAck returns and clears the acknowledgement handle.
func (s *Session) TakeStopAck() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.stopAckTS
	s.stopAckTS = ""
	return ts
}

// Registry lazily materializes sessions keyed by channel id. GetOrCreate
// never returns distinct objects for the same id within a process lifetime;
// sessions are reclaimed only by process exit.
type Registry struct {
	root string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions get working subdirectories
// under root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root, sessions: map[string]*Session{}}
}

// GetOrCreate returns the channel's session, creating it and its on-disk
// working subdirectory on first access.
func (r *Registry) GetOrCreate(channelID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channelID]; ok {
		return s, nil
	}
	workDir := filepath.Join(r.root, channelID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Session{ChannelID: channelID, WorkDir: workDir}
	r.sessions[channelID] = s
	return s, nil
}
