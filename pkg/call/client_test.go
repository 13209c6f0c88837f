package call

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-taara/pkg/audioio"
	"github.com/teslashibe/go-taara/pkg/auth"
	"github.com/teslashibe/go-taara/pkg/capture"
	"github.com/teslashibe/go-taara/pkg/history"
	"github.com/teslashibe/go-taara/pkg/prefs"
	"github.com/teslashibe/go-taara/pkg/protocol"
	"github.com/teslashibe/go-taara/pkg/transport"
	"github.com/teslashibe/go-taara/pkg/turn"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.October, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) has(kind EventKind, text string) bool {
	for _, e := range l.all() {
		if e.Kind == kind && (text == "" || e.Text == text) {
			return true
		}
	}
	return false
}

func (l *eventLog) states() []turn.State {
	var out []turn.State
	for _, e := range l.all() {
		if e.Kind == EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type harness struct {
	client *Client
	dialer *transport.MockDialer
	clock  *fakeClock
	log    *eventLog
	store  *history.MemoryStore

	mu         sync.Mutex
	source     *audioio.MockSource
	sink       *audioio.MockSink
	sourceOpts []audioio.MockSourceOption
	sinkOpts   []audioio.MockSinkOption
}

type harnessOption func(h *harness, opts *[]Option)

func withProvider(p auth.Provider) harnessOption {
	return func(h *harness, opts *[]Option) {
		*opts = append(*opts, WithSessionProvider(p))
	}
}

func withClientOption(o Option) harnessOption {
	return func(h *harness, opts *[]Option) {
		*opts = append(*opts, o)
	}
}

func withManualSink() harnessOption {
	return func(h *harness, _ *[]Option) {
		h.sinkOpts = append(h.sinkOpts, audioio.WithManualCompletion())
	}
}

func withSourceOptions(o ...audioio.MockSourceOption) harnessOption {
	return func(h *harness, _ *[]Option) {
		h.sourceOpts = append(h.sourceOpts, o...)
	}
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		dialer: transport.NewMockDialer(),
		clock:  newFakeClock(),
		log:    &eventLog{},
		store:  history.NewMemoryStore(0),
	}
	recorder := history.NewRecorder(h.store)

	cfg := DefaultConfig()
	cfg.Agent = "taara"
	cfg.Audio.Backend = audioio.BackendMock

	opts := []Option{
		WithConfig(cfg),
		WithDialer(h.dialer),
		WithSessionProvider(auth.NewStatic("s3cret", "")),
		WithSourceFactory(func(_ context.Context, cfg audioio.Config) (audioio.Source, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.source = audioio.NewMockSource(cfg, nil, h.sourceOpts...)
			return h.source, nil
		}),
		WithSinkFactory(func(context.Context) (audioio.Sink, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sink = audioio.NewMockSink(nil, h.sinkOpts...)
			return h.sink, nil
		}),
		WithClock(h.clock),
		WithObserver(h.log.add),
		WithHistory(recorder),
	}
	for _, o := range hopts {
		o(h, &opts)
	}

	client, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.client = client

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	eventually(t, "loop to start", client.running.Load)

	t.Cleanup(func() {
		cancel()
		<-done
		_ = recorder.Close()
	})
	return h
}

func (h *harness) src() *audioio.MockSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.source
}

func (h *harness) snk() *audioio.MockSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink
}

func (h *harness) waitState(t *testing.T, want turn.State) {
	t.Helper()
	eventually(t, "state "+string(want), func() bool {
		return h.client.Snapshot().State == want
	})
}

// connect places a call and waits for it to open.
func (h *harness) connect(t *testing.T) *transport.MockConn {
	t.Helper()
	if err := h.client.Call(context.Background(), ""); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var conn *transport.MockConn
	select {
	case conn = <-h.dialer.Dialed():
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
	}
	h.waitState(t, turn.StateListening)
	eventually(t, "greeting", func() bool { return h.log.has(EventMessage, Greeting) })
	return conn
}

func frame(v float32) audioio.Frame {
	return audioio.Frame{Samples: []float32{v, -v, v, -v}, SampleRate: audioio.FrameRate}
}

func TestClient_NoCredential(t *testing.T) {
	h := newHarness(t, withProvider(auth.NewStatic("", "")))

	err := h.client.Call(context.Background(), "taara")
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if len(h.dialer.Targets()) != 0 {
		t.Error("no connection should be attempted without a credential")
	}
	if h.client.Snapshot().State != turn.StateIdle {
		t.Errorf("state = %s, want idle", h.client.Snapshot().State)
	}
}

func TestClient_NoAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.Backend = audioio.BackendMock
	h := newHarness(t, withClientOption(WithConfig(cfg)))
	if err := h.client.Call(context.Background(), ""); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}

func TestClient_Lifecycle(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	targets := h.dialer.Targets()
	if len(targets) != 1 || targets[0].Agent != "taara" {
		t.Fatalf("unexpected targets: %+v", targets)
	}
	if c := targets[0].Credential; c.Kind != transport.CredentialPassword || c.Secret != "s3cret" {
		t.Errorf("unexpected credential: %+v", c)
	}

	states := h.log.states()
	if len(states) < 2 || states[0] != turn.StateDialing || states[1] != turn.StateListening {
		t.Errorf("states = %v, want dialing then listening", states)
	}

	if err := h.client.Call(context.Background(), "taara"); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("expected ErrCallInProgress, got %v", err)
	}

	h.src().Emit(frame(0.5))
	eventually(t, "frame to be sent", func() bool { return len(conn.Audio()) == 1 })
	eventually(t, "level event", func() bool { return h.log.has(EventLevel, "") })

	h.clock.Advance(time.Second)
	eventually(t, "tick", func() bool {
		for _, e := range h.log.all() {
			if e.Kind == EventTick && e.Clock == "00:01" {
				return true
			}
		}
		return false
	})
	if h.client.Snapshot().Clock != "00:01" {
		t.Errorf("snapshot clock = %q", h.client.Snapshot().Clock)
	}

	if err := h.client.EndCall(context.Background(), ""); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if h.client.Snapshot().State != turn.StateIdle {
		t.Errorf("state after EndCall = %s", h.client.Snapshot().State)
	}
	if !conn.Closed() || !h.src().Closed() {
		t.Error("teardown should close the connection and the microphone")
	}
	if !h.log.has(EventEnded, ReasonHangup) {
		t.Error("expected ended event")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("teardown left %d timers running", h.clock.Pending())
	}

	if err := h.client.EndCall(context.Background(), ""); err != nil {
		t.Errorf("second EndCall failed: %v", err)
	}
	ended := 0
	for _, e := range h.log.all() {
		if e.Kind == EventEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Errorf("expected one ended event, got %d", ended)
	}
}

func TestClient_AgentSpeechAndSettle(t *testing.T) {
	h := newHarness(t, withManualSink())
	conn := h.connect(t)

	conn.SimulateSignal(protocol.TypeTTSStart)
	h.waitState(t, turn.StateSpeaking)

	chunks := [][]byte{{1}, {2}, {3}}
	for _, c := range chunks {
		conn.SimulateAudio(c)
	}
	eventually(t, "chunks to queue", func() bool {
		return h.client.Snapshot().Playback.Enqueued == 3
	})
	sink := h.snk()
	if len(sink.Chunks()) != 1 {
		t.Fatalf("expected one append outstanding, got %d appends", len(sink.Chunks()))
	}

	h.src().Emit(frame(0.5))
	eventually(t, "frame to be dropped", func() bool {
		return h.client.Snapshot().Gate.Dropped[capture.ReasonAgentSpeaking] == 1
	})

	conn.SimulateSignal(protocol.TypeTTSEnd)
	eventually(t, "settle timer", func() bool { return h.clock.Pending() == 2 })
	if h.client.Snapshot().State != turn.StateSpeaking {
		t.Errorf("state before settle = %s, want speaking", h.client.Snapshot().State)
	}

	for i := range chunks {
		eventually(t, "append", func() bool { return sink.Outstanding() == 1 })
		if len(sink.Chunks()) != i+1 {
			t.Fatalf("append %d: %d chunks appended", i, len(sink.Chunks()))
		}
		sink.Complete()
	}
	eventually(t, "playback to drain", func() bool {
		return h.client.Snapshot().Playback.Appended == 3
	})
	for i, c := range sink.Chunks() {
		if !bytes.Equal(c, chunks[i]) {
			t.Errorf("chunk %d = %v, want %v", i, c, chunks[i])
		}
	}
	if sink.MaxOutstanding() != 1 {
		t.Errorf("max outstanding = %d, want 1", sink.MaxOutstanding())
	}
	if len(conn.Audio()) != 0 {
		t.Error("no frame should be sent while the agent speaks")
	}

	h.clock.Advance(2 * time.Second)
	h.waitState(t, turn.StateListening)
	if h.client.Snapshot().AgentSpeaking {
		t.Error("agent speaking should clear after settle")
	}

	h.src().Emit(frame(0.5))
	eventually(t, "frame to be sent after settle", func() bool { return len(conn.Audio()) == 1 })
}

func TestClient_AuthFailure(t *testing.T) {
	t.Run("close code", func(t *testing.T) {
		h := newHarness(t)
		conn := h.connect(t)

		conn.SimulateClose(&transport.AuthError{Code: transport.CloseCodeAuthFailed, Reason: "Authentication failed"})
		h.waitState(t, turn.StateIdle)

		if !h.log.has(EventAuthFailed, "") {
			t.Error("expected auth failed event")
		}
		eventually(t, "ended event", func() bool { return h.log.has(EventEnded, ReasonAuthFailed) })
		if !h.src().Closed() {
			t.Error("microphone should be released")
		}

		// A new call works after the failure.
		h.connect(t)
	})

	t.Run("handshake", func(t *testing.T) {
		h := newHarness(t)
		h.dialer.DialFunc = func(context.Context, transport.Target) error {
			return &transport.AuthError{StatusCode: 403, Reason: "Forbidden"}
		}
		if err := h.client.Call(context.Background(), ""); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		eventually(t, "auth failure", func() bool { return h.log.has(EventAuthFailed, "") })
		h.waitState(t, turn.StateIdle)
		if h.src() != nil {
			t.Error("microphone must not be opened for a rejected call")
		}
	})
}

func TestClient_RemoteDisconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.SimulateClose(&transport.ConnectionError{Code: 1001, Reason: "server restarting"})
	h.waitState(t, turn.StateIdle)
	eventually(t, "ended event", func() bool {
		return h.log.has(EventEnded, "Connection closed: server restarting")
	})
	if h.log.has(EventAuthFailed, "") {
		t.Error("a plain disconnect is not an auth failure")
	}
}

func TestClient_TextWhileMuted(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	ctx := context.Background()

	if err := h.client.SendText(ctx, "hello"); !errors.Is(err, turn.ErrVoiceMode) {
		t.Fatalf("expected ErrVoiceMode, got %v", err)
	}

	muted, err := h.client.ToggleMute(ctx)
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	if h.client.Snapshot().State != turn.StateMuted {
		t.Errorf("state = %s, want muted", h.client.Snapshot().State)
	}

	h.src().Emit(frame(0.5))
	eventually(t, "frame to be dropped", func() bool {
		return h.client.Snapshot().Gate.Dropped[capture.ReasonMuted] == 1
	})

	if err := h.client.SendText(ctx, "  "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if err := h.client.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if texts := conn.Texts(); len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("sent texts = %v", texts)
	}
	snap := h.client.Snapshot()
	if snap.State != turn.StateMuted || snap.Live != turn.StateProcessing {
		t.Errorf("after text: state=%s live=%s", snap.State, snap.Live)
	}

	conn.SimulateMessage(protocol.TypeAITextChunk, "Hi ")
	conn.SimulateMessage(protocol.TypeAITextChunk, "there")
	eventually(t, "agent text", func() bool { return h.log.has(EventAgentText, "Hi there") })

	conn.SimulateSignal(protocol.TypeTTSStart)
	conn.SimulateSignal(protocol.TypeTTSEnd)
	eventually(t, "agent reply", func() bool { return h.log.has(EventMessage, "Hi there") })

	eventually(t, "history", func() bool {
		entries, _ := h.store.Recent(ctx, 0)
		return len(entries) == 2
	})
	entries, _ := h.store.Recent(ctx, 0)
	if entries[0].Person != history.PersonUser || entries[0].Text != "hello" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Person != "taara" || entries[1].Text != "Hi there" {
		t.Errorf("second entry = %+v", entries[1])
	}

	// Unmuting while the reply is still settling shows the agent speaking.
	muted, err = h.client.ToggleMute(ctx)
	if err != nil || muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	if h.client.Snapshot().State != turn.StateSpeaking {
		t.Errorf("state after unmute = %s, want speaking", h.client.Snapshot().State)
	}
	h.clock.Advance(2 * time.Second)
	h.waitState(t, turn.StateListening)
}

func TestClient_MuteRequiresCall(t *testing.T) {
	h := newHarness(t)
	if _, err := h.client.ToggleMute(context.Background()); !errors.Is(err, turn.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := h.client.SendText(context.Background(), "hi"); !errors.Is(err, turn.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_EndWhileDialing(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.dialer.DialFunc = func(context.Context, transport.Target) error {
		<-release
		return nil
	}

	if err := h.client.Call(context.Background(), ""); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	h.waitState(t, turn.StateDialing)
	if err := h.client.EndCall(context.Background(), ""); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	h.waitState(t, turn.StateIdle)

	close(release)
	var late *transport.MockConn
	select {
	case late = <-h.dialer.Dialed():
	case <-time.After(2 * time.Second):
		t.Fatal("dial never completed")
	}
	eventually(t, "late connection to be closed", late.Closed)

	for _, s := range h.log.states() {
		if s == turn.StateListening {
			t.Fatal("a call ended while dialing must never open")
		}
	}
}

func TestClient_MicrophoneFailure(t *testing.T) {
	t.Run("start error", func(t *testing.T) {
		h := newHarness(t, withSourceOptions(audioio.WithStartError(errors.New("permission denied"))))
		if err := h.client.Call(context.Background(), ""); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		conn := <-h.dialer.Dialed()
		eventually(t, "ended event", func() bool { return h.log.has(EventEnded, ReasonMicrophone) })
		h.waitState(t, turn.StateIdle)
		if !conn.Closed() {
			t.Error("connection should be closed when capture fails")
		}
	})

	t.Run("vanished device", func(t *testing.T) {
		store := prefs.Open(filepath.Join(t.TempDir(), "prefs.yaml"))
		if err := store.Save(prefs.Preferences{CaptureDevice: "usb-mic"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		h := newHarness(t, withClientOption(WithPreferences(store)))
		if err := h.client.Call(context.Background(), ""); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		eventually(t, "ended event", func() bool { return h.log.has(EventEnded, ReasonMicrophone) })
		if h.src() != nil {
			t.Error("source must not be opened for a missing device")
		}
	})
}

func TestClient_RunGuards(t *testing.T) {
	c, err := New(WithDialer(transport.NewMockDialer()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Call(context.Background(), "taara"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	eventually(t, "loop to start", c.running.Load)
	if err := c.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}

	if _, err := New(); err == nil {
		t.Error("expected error without a dialer")
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := map[int]string{
		0:    "00:00",
		9:    "00:09",
		61:   "01:01",
		3600: "60:00",
		-4:   "00:00",
	}
	for in, want := range tests {
		if got := FormatElapsed(in); got != want {
			t.Errorf("FormatElapsed(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestClient_SignOut(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	if err := h.client.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if !conn.Closed() {
		t.Error("signing out should hang up the active call")
	}
	if !h.log.has(EventEnded, ReasonSignedOut) {
		t.Error("expected an ended event for the sign out")
	}

	if err := h.client.Call(context.Background(), ""); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential after sign out, got %v", err)
	}
	if len(h.dialer.Targets()) != 1 {
		t.Errorf("dials = %d, want 1", len(h.dialer.Targets()))
	}
}

// slowProvider blocks CurrentSession until released, like a token refresh
// against a slow identity server.
type slowProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *slowProvider) CurrentSession(ctx context.Context) (*auth.Session, error) {
	close(p.entered)
	select {
	case <-p.release:
		return &auth.Session{Token: "tok", Kind: auth.KindBearer}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *slowProvider) SignOut(context.Context) error { return nil }

func TestClient_CredentialLookupOffLoop(t *testing.T) {
	p := &slowProvider{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, withProvider(p))

	callErr := make(chan error, 1)
	go func() { callErr <- h.client.Call(context.Background(), "") }()
	<-p.entered

	// The loop keeps serving commands while the credential is fetched.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.client.ToggleMute(ctx); !errors.Is(err, turn.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while the lookup is pending, got %v", err)
	}

	close(p.release)
	if err := <-callErr; err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	select {
	case <-h.dialer.Dialed():
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
	}
	targets := h.dialer.Targets()
	if len(targets) != 1 || targets[0].Credential.Kind != transport.CredentialBearer {
		t.Errorf("unexpected targets: %+v", targets)
	}
}
