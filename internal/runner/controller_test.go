package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/chatlog"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeConn records outbound transport calls.
type fakeConn struct {
	mu      sync.Mutex
	nextTS  int
	posts   []string
	updates []string
}

func (f *fakeConn) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTS++
	f.posts = append(f.posts, text)
	return fmt.Sprintf("%d.000000", f.nextTS), nil
}

func (f *fakeConn) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, text)
	return nil
}

func (f *fakeConn) PostInThread(ctx context.Context, channelID, parentTS, text string) (string, error) {
	return f.PostMessage(ctx, channelID, text)
}

func (f *fakeConn) DeleteMessage(ctx context.Context, channelID, ts string) error { return nil }

func (f *fakeConn) UploadFile(ctx context.Context, channelID, filename string, data []byte) error {
	return nil
}

func (f *fakeConn) allPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func (f *fakeConn) allUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

// fakeRunner is a scripted agent. With blockUntilCancel set it holds the
// run open until the context is cancelled and then reports an abort, which
// is how the real agent acknowledges a stop.
type fakeRunner struct {
	stream           []string
	result           *agent.Result
	err              error
	blockUntilCancel bool

	// finish, when set, holds the run open and then completes normally,
	// ignoring cancellation.
	finish chan struct{}

	calls   atomic.Int32
	started chan struct{}

	mu      sync.Mutex
	lastReq *agent.Request
}

func (f *fakeRunner) Run(ctx context.Context, req *agent.Request, onText func(string)) (*agent.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.blockUntilCancel {
		<-ctx.Done()
		return &agent.Result{StopReason: models.StopAborted}, nil
	}
	if f.finish != nil {
		<-f.finish
	}
	for _, text := range f.stream {
		onText(text)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &agent.Result{StopReason: models.StopCompleted}, nil
}

func (f *fakeRunner) request() *agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// fakeHistory serves a fixed backfill. The entered/release channels, when
// set, hold the sync open so a test can interleave other events with it.
type fakeHistory struct {
	events  []*models.Event
	gotCur  string
	entered chan struct{}
	release chan struct{}
}

func (f *fakeHistory) MessagesSince(ctx context.Context, channelID, cursor string) ([]*models.Event, error) {
	f.gotCur = cursor
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.release != nil {
		<-f.release
	}
	var out []*models.Event
	for _, e := range f.events {
		if cursor == "" || models.TSLess(cursor, e.Timestamp) {
			out = append(out, e)
		}
	}
	return out, nil
}

func authedManager(t *testing.T) *auth.Manager {
	t.Helper()
	creds := auth.NewCredentialStore(t.TempDir())
	err := creds.Put(auth.ProviderAnthropic, auth.Credential{
		Type:    "oauth",
		Access:  "test-token",
		Expires: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	return auth.NewManager(creds, auth.NewTokenClient(""), nil)
}

type fixture struct {
	ctrl   *Controller
	conn   *fakeConn
	agent  *fakeRunner
	store  *chatlog.MemoryStore
	sessRg *sessions.Registry
}

func newFixture(t *testing.T, mgr *auth.Manager, runner *fakeRunner, history *fakeHistory) *fixture {
	t.Helper()
	if mgr == nil {
		mgr = authedManager(t)
	}
	conn := &fakeConn{}
	store := chatlog.NewMemoryStore()
	registry := sessions.NewRegistry(t.TempDir())
	cfg := Config{
		Model:             "claude-sonnet-4-20250514",
		SystemPrompt:      "be helpful",
		MaxTokens:         1024,
		MaxInputTokens:    50000,
		ReservedForOutput: 4000,
	}
	var hist channels.HistorySource
	if history != nil {
		hist = history
	}
	ctrl := NewController(cfg, registry, store, mgr, runner, conn, hist, NewMetrics(prometheus.NewRegistry()), nil)
	return &fixture{ctrl: ctrl, conn: conn, agent: runner, store: store, sessRg: registry}
}

func event(ts, text string) *models.Event {
	return &models.Event{Channel: "C1", User: "U1", Text: text, Timestamp: ts}
}

func TestHandleEvent_HappyPath(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{
		stream: []string{"hi there"},
		result: &agent.Result{StopReason: models.StopCompleted, Usage: models.Usage{InputTokens: 12, OutputTokens: 3}},
	}
	fx := newFixture(t, nil, runner, nil)

	fx.ctrl.HandleEvent(ctx, event("1.000000", "hello"))

	posts := fx.conn.allPosts()
	if len(posts) != 1 || !strings.HasPrefix(posts[0], "hi there") {
		t.Fatalf("posts = %v, want the streamed text", posts)
	}
	updates := fx.conn.allUpdates()
	if len(updates) == 0 || updates[len(updates)-1] != "hi there" {
		t.Fatalf("updates = %v, want the indicator cleared from the final text", updates)
	}

	entries, err := fx.store.ReadAll(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want user + assistant", len(entries))
	}
	if entries[0].Role != models.RoleUser || entries[0].Text != "hello" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Role != models.RoleAssistant || entries[1].Text != "hi there" {
		t.Errorf("second entry = %+v", entries[1])
	}

	sess, _ := fx.sessRg.GetOrCreate("C1")
	if sess.Running() {
		t.Error("session must return to idle")
	}
	if req := runner.request(); req == nil || req.System != "be helpful" {
		t.Errorf("agent request = %+v", req)
	}
}

func TestHandleEvent_Unauthenticated(t *testing.T) {
	ctx := context.Background()
	mgr := auth.NewManager(auth.NewCredentialStore(t.TempDir()), auth.NewTokenClient(""), nil)
	runner := &fakeRunner{}
	fx := newFixture(t, mgr, runner, nil)

	fx.ctrl.HandleEvent(ctx, event("1.000000", "hello"))

	if runner.calls.Load() != 0 {
		t.Error("agent must not run without a credential")
	}
	posts := fx.conn.allPosts()
	if len(posts) != 1 || !strings.Contains(posts[0], "/login") {
		t.Errorf("posts = %v, want a login hint", posts)
	}
	entries, _ := fx.store.ReadAll(ctx, "C1")
	if len(entries) != 0 {
		t.Errorf("rejected run must not write to the log, got %d entries", len(entries))
	}
}

func TestHandleEvent_CommandShortCircuits(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	fx := newFixture(t, nil, runner, nil)

	fx.ctrl.HandleEvent(ctx, event("1.000000", "/auth-status"))

	if runner.calls.Load() != 0 {
		t.Error("commands must not start a run")
	}
	if posts := fx.conn.allPosts(); len(posts) != 1 {
		t.Fatalf("posts = %v, want one status reply", posts)
	}
	entries, _ := fx.store.ReadAll(ctx, "C1")
	if len(entries) != 0 {
		t.Error("commands must not be logged")
	}
}

func TestHandleEvent_SingleFlightAndStop(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{blockUntilCancel: true, started: make(chan struct{})}
	started := runner.started
	fx := newFixture(t, nil, runner, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.ctrl.HandleEvent(ctx, event("1.000000", "long task"))
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	// A second event while running is ignored for run purposes.
	fx.ctrl.HandleEvent(ctx, event("2.000000", "another"))
	if runner.calls.Load() != 1 {
		t.Fatalf("agent calls = %d, want 1", runner.calls.Load())
	}

	fx.ctrl.HandleEvent(ctx, event("3.000000", "/stop"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after stop")
	}

	posts := fx.conn.allPosts()
	if len(posts) == 0 || posts[0] != "Stopping..." {
		t.Fatalf("posts = %v, want the stop acknowledgement first", posts)
	}
	updates := fx.conn.allUpdates()
	if len(updates) == 0 || updates[len(updates)-1] != "Stopped." {
		t.Fatalf("updates = %v, want the ack edited to Stopped.", updates)
	}

	sess, _ := fx.sessRg.GetOrCreate("C1")
	if sess.Running() {
		t.Error("session must be idle after abort")
	}
}

func TestHandleEvent_StopDuringPreRunSync(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistory{entered: make(chan struct{}), release: make(chan struct{})}
	entered := history.entered
	runner := &fakeRunner{blockUntilCancel: true}
	fx := newFixture(t, nil, runner, history)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.ctrl.HandleEvent(ctx, event("1.000000", "long task"))
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pre-run sync never started")
	}

	// The stop lands before the run installed its cancellation hook.
	fx.ctrl.HandleEvent(ctx, event("2.000000", "/stop"))
	close(history.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after stop")
	}

	posts := fx.conn.allPosts()
	if len(posts) == 0 || posts[0] != "Stopping..." {
		t.Fatalf("posts = %v, want the stop acknowledgement first", posts)
	}
	updates := fx.conn.allUpdates()
	if len(updates) == 0 || updates[len(updates)-1] != "Stopped." {
		t.Fatalf("updates = %v, want the ack edited to Stopped.", updates)
	}

	sess, _ := fx.sessRg.GetOrCreate("C1")
	if sess.Running() {
		t.Error("session must be idle after the stopped run")
	}
}

func TestHandleEvent_StoppedAckReconciledWhenRunCompletes(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{
		stream:  []string{"finished anyway"},
		started: make(chan struct{}),
		finish:  make(chan struct{}),
	}
	started := runner.started
	fx := newFixture(t, nil, runner, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.ctrl.HandleEvent(ctx, event("1.000000", "long task"))
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	// The agent ignores the cancellation and completes normally; the
	// acknowledgement still needs its terminal edit.
	fx.ctrl.HandleEvent(ctx, event("2.000000", "/stop"))
	close(runner.finish)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate")
	}

	posts := fx.conn.allPosts()
	if len(posts) == 0 || posts[0] != "Stopping..." {
		t.Fatalf("posts = %v, want the stop acknowledgement first", posts)
	}
	updates := fx.conn.allUpdates()
	if len(updates) == 0 || updates[len(updates)-1] != "Stopped." {
		t.Fatalf("updates = %v, want no stale Stopping... left behind", updates)
	}

	sess, _ := fx.sessRg.GetOrCreate("C1")
	if sess.Running() {
		t.Error("session must be idle after completion")
	}
}

func TestHandleEvent_StopWhenIdle(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil, &fakeRunner{}, nil)

	fx.ctrl.HandleEvent(ctx, event("1.000000", "/stop"))

	posts := fx.conn.allPosts()
	if len(posts) != 1 || posts[0] != "No run in progress." {
		t.Errorf("posts = %v", posts)
	}
}

func TestHandleEvent_AgentErrorLeavesChannelIdle(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{stream: []string{"partial"}, err: errors.New("upstream exploded")}
	fx := newFixture(t, nil, runner, nil)

	fx.ctrl.HandleEvent(ctx, event("1.000000", "hello"))

	sess, _ := fx.sessRg.GetOrCreate("C1")
	if sess.Running() {
		t.Fatal("failed run must release the session")
	}

	// Partial output stays visible but is not persisted as a response.
	entries, _ := fx.store.ReadAll(ctx, "C1")
	for _, e := range entries {
		if e.Role == models.RoleAssistant {
			t.Errorf("failed run persisted an assistant entry: %+v", e)
		}
	}

	// The channel accepts the next run.
	next := &fakeRunner{stream: []string{"recovered"}}
	fx.ctrl.agent = next
	fx.ctrl.HandleEvent(ctx, event("2.000000", "try again"))
	if next.calls.Load() != 1 {
		t.Error("channel wedged after a failed run")
	}
}

func TestHandleEvent_BackfillsMissedMessages(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistory{events: []*models.Event{
		event("1.000000", "said while down"),
		event("2.000000", "also missed"),
		event("3.000000", "the trigger itself"),
	}}
	runner := &fakeRunner{stream: []string{"ok"}}
	fx := newFixture(t, nil, runner, history)

	fx.ctrl.HandleEvent(ctx, event("3.000000", "the trigger itself"))

	entries, err := fx.store.ReadAll(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	// Two backfilled, the trigger, the response.
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	wantTexts := []string{"said while down", "also missed", "the trigger itself"}
	for i, want := range wantTexts {
		if entries[i].Text != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Text, want)
		}
	}
	if history.gotCur != "" {
		t.Errorf("cursor = %q, want empty for a fresh log", history.gotCur)
	}

	// Replaying the sync with nothing new appends nothing extra.
	fx.ctrl.HandleEvent(ctx, event("5.000000", "next"))
	entries, _ = fx.store.ReadAll(ctx, "C1")
	for i, e := range entries {
		for j := i + 1; j < len(entries); j++ {
			if e.Timestamp == entries[j].Timestamp && e.Text == entries[j].Text {
				t.Fatalf("duplicate entry after resync: %+v", e)
			}
		}
	}
}

func TestHandleEvent_LoginFlow(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	creds := auth.NewCredentialStore(t.TempDir())
	mgr := auth.NewManager(creds, auth.NewTokenClient(srv.URL), nil)
	runner := &fakeRunner{}
	fx := newFixture(t, mgr, runner, nil)

	fx.ctrl.HandleEvent(ctx, event("1.000000", "/login"))
	posts := fx.conn.allPosts()
	if len(posts) != 1 || !strings.Contains(posts[0], "oauth/authorize") {
		t.Fatalf("posts = %v, want the authorization URL", posts)
	}

	// The pasted code#state reply routes to completion, not the agent.
	fx.ctrl.HandleEvent(ctx, event("2.000000", "the-code#the-state"))
	posts = fx.conn.allPosts()
	last := posts[len(posts)-1]
	if !strings.Contains(last, "Logged in") {
		t.Fatalf("completion reply = %q", last)
	}
	if runner.calls.Load() != 0 {
		t.Error("login reply must not reach the agent")
	}

	if _, err := mgr.AccessToken(ctx); err != nil {
		t.Errorf("AccessToken after login: %v", err)
	}
}

func TestHandleEvent_TruncatedWindowFlagsRequest(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{stream: []string{"ok"}}
	fx := newFixture(t, nil, runner, nil)
	fx.ctrl.cfg.MaxInputTokens = 4600
	fx.ctrl.cfg.ReservedForOutput = 4500

	// The lone entry exceeds the tiny history budget on its own.
	fx.ctrl.HandleEvent(ctx, event("1.000000", strings.Repeat("long prompt ", 200)))

	req := runner.request()
	if req == nil {
		t.Fatal("agent never ran")
	}
	if !req.Truncated {
		t.Error("request should be flagged truncated")
	}
	if len(req.Messages) != 1 {
		t.Errorf("messages = %d, want the oversized newest entry alone", len(req.Messages))
	}
}
