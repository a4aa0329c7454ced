// Package auth implements the chat-mediated OAuth PKCE flow. A /login in a
// channel produces an authorization URL; the user pastes the resulting
// code#state reply back into the same channel to complete the exchange.
// Credentials are stored per working directory, not per channel.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// PendingTimeout bounds how long a started login stays redeemable.
const PendingTimeout = 10 * time.Minute

// loginSeparator joins the authorization code and state in the pasted reply.
const loginSeparator = "#"

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoPendingLogin   = errors.New("no pending login for channel")
	ErrLoginSuperseded  = errors.New("login superseded by a newer /login")
	ErrLoginExpired     = errors.New("login expired")
	ErrLoginCancelled   = errors.New("login cancelled")
)

// PendingLogin is the ephemeral per-channel PKCE state between /login and
// the pasted authorization reply.
type PendingLogin struct {
	Verifier  string
	Challenge string
	CreatedAt time.Time

	timer *time.Timer
	done  chan error
	once  sync.Once
}

// Done resolves when the login reaches a terminal state: nil on success, a
// reason error on expiry, cancellation, or supersession.
func (p *PendingLogin) Done() <-chan error {
	return p.done
}

func (p *PendingLogin) resolve(err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- err
		close(p.done)
	})
}

// CompleteResult is the structured outcome of a login completion attempt.
// Failures never mutate stored credentials.
type CompleteResult struct {
	Success bool
	Detail  string
}

// Manager owns pending login state for all channels and the stored
// credential for the working directory. Single writer per channel key: only
// the event dispatch path mutates pending state.
type Manager struct {
	creds  *CredentialStore
	tokens *TokenClient
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingLogin // channelID -> pending login
}

// NewManager creates an auth manager.
func NewManager(creds *CredentialStore, tokens *TokenClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		creds:   creds,
		tokens:  tokens,
		log:     logger.With("component", "auth"),
		now:     time.Now,
		pending: map[string]*PendingLogin{},
	}
}

// StartLogin begins a PKCE flow for a channel and returns the authorization
// URL to show the user. A login already pending for the channel is cancelled
// first; stale entries for other channels are purged opportunistically.
func (m *Manager) StartLogin(channelID string) (string, *PendingLogin) {
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	m.mu.Lock()
	if prior, ok := m.pending[channelID]; ok {
		prior.resolve(ErrLoginSuperseded)
	}
	m.purgeExpiredLocked()

	p := &PendingLogin{
		Verifier:  verifier,
		Challenge: challenge,
		CreatedAt: m.now(),
		done:      make(chan error, 1),
	}
	// The timer is an optimization to reject waiters promptly; the lazy
	// CreatedAt check on access is what guarantees correctness.
	p.timer = time.AfterFunc(PendingTimeout, func() {
		m.expire(channelID, p)
	})
	m.pending[channelID] = p
	m.mu.Unlock()

	m.log.Info("login started", "channel", channelID)
	return AuthorizeURL(challenge, verifier), p
}

// CancelLogin drops a channel's pending login, rejecting its waiter.
func (m *Manager) CancelLogin(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[channelID]
	if !ok {
		return false
	}
	delete(m.pending, channelID)
	p.resolve(ErrLoginCancelled)
	return true
}

// HasPending reports whether a fresh pending login exists for the channel.
// An entry older than the timeout is treated as absent and dropped, even if
// its timer has not fired yet.
func (m *Manager) HasPending(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freshPendingLocked(channelID) != nil
}

// IsLoginReply reports whether an inbound message should be treated as a
// candidate authorization response: a fresh pending login exists, the text
// carries the code#state separator, and the text is not itself a command.
func (m *Manager) IsLoginReply(channelID, text string) bool {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, loginSeparator) || strings.HasPrefix(text, "/") {
		return false
	}
	return m.HasPending(channelID)
}

// CompleteLogin exchanges a pasted code#state reply for a credential. The
// pending entry is consumed on every attempt, success or failure, so a stale
// flow can never be retried silently.
func (m *Manager) CompleteLogin(ctx context.Context, channelID, text string) *CompleteResult {
	m.mu.Lock()
	p := m.freshPendingLocked(channelID)
	if p != nil {
		delete(m.pending, channelID)
	}
	m.mu.Unlock()

	if p == nil {
		return &CompleteResult{Detail: ErrNoPendingLogin.Error()}
	}

	code, state, ok := strings.Cut(strings.TrimSpace(text), loginSeparator)
	if !ok || code == "" {
		p.resolve(ErrLoginCancelled)
		return &CompleteResult{Detail: "reply does not look like code" + loginSeparator + "state"}
	}

	token, err := m.tokens.Exchange(ctx, code, state, p.Verifier)
	if err != nil {
		p.resolve(err)
		m.log.Warn("login exchange failed", "channel", channelID, "error", err)
		return &CompleteResult{Detail: err.Error()}
	}
	if err := m.creds.Put(ProviderAnthropic, credentialFrom(token, m.now())); err != nil {
		p.resolve(err)
		return &CompleteResult{Detail: fmt.Sprintf("failed to save credential: %v", err)}
	}

	p.resolve(nil)
	m.log.Info("login completed", "channel", channelID)
	return &CompleteResult{Success: true, Detail: "authenticated with " + ProviderAnthropic}
}

// AccessToken returns a usable access token, transparently refreshing an
// expired credential. Callers treat any error as "not authenticated".
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cred, ok, err := m.creds.Get(ProviderAnthropic)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotAuthenticated
	}
	if m.now().UnixMilli() < cred.Expires {
		return cred.Access, nil
	}
	if cred.Refresh == "" {
		return "", ErrNotAuthenticated
	}
	token, err := m.tokens.Refresh(ctx, cred.Refresh)
	if err != nil {
		return "", fmt.Errorf("%w: refresh failed: %v", ErrNotAuthenticated, err)
	}
	refreshed := credentialFrom(token, m.now())
	if refreshed.Refresh == "" {
		refreshed.Refresh = cred.Refresh
	}
	if err := m.creds.Put(ProviderAnthropic, refreshed); err != nil {
		return "", err
	}
	m.log.Info("credential refreshed")
	return refreshed.Access, nil
}

// Logout overwrites the stored credential with an empty record.
func (m *Manager) Logout() error {
	return m.creds.Clear(ProviderAnthropic)
}

// Status describes the stored credential for /auth-status.
func (m *Manager) Status() string {
	cred, ok, err := m.creds.Get(ProviderAnthropic)
	if err != nil {
		return fmt.Sprintf("credential store error: %v", err)
	}
	if !ok {
		return "not authenticated; run /login to connect " + ProviderAnthropic
	}
	expires := time.UnixMilli(cred.Expires)
	state := "valid"
	if m.now().After(expires) {
		state = "expired"
		if cred.Refresh != "" {
			state = "expired (refreshable)"
		}
	}
	return fmt.Sprintf("%s: %s, expires %s", ProviderAnthropic, state, expires.UTC().Format(time.RFC3339))
}

func (m *Manager) expire(channelID string, p *PendingLogin) {
	m.mu.Lock()
	if current, ok := m.pending[channelID]; ok && current == p {
		delete(m.pending, channelID)
	}
	m.mu.Unlock()
	p.resolve(ErrLoginExpired)
}

// freshPendingLocked returns the channel's pending login if it is within the
// timeout, dropping it otherwise.
func (m *Manager) freshPendingLocked(channelID string) *PendingLogin {
	p, ok := m.pending[channelID]
	if !ok {
		return nil
	}
	if m.now().Sub(p.CreatedAt) >= PendingTimeout {
		delete(m.pending, channelID)
		p.resolve(ErrLoginExpired)
		return nil
	}
	return p
}

func (m *Manager) purgeExpiredLocked() {
	for id, p := range m.pending {
		if m.now().Sub(p.CreatedAt) >= PendingTimeout {
			delete(m.pending, id)
			p.resolve(ErrLoginExpired)
		}
	}
}
