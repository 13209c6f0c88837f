// Package call runs a voice call with an agent.
//
// Client.Run is the call's single logical thread. Captured frames, inbound
// messages, sink completions, timers and user commands are all posted to
// one channel and handled to completion in order, so the capture gate, the
// playback buffer and the turn machine are never shared between
// goroutines.
//
// Every event produced for a call carries that call's generation. Teardown
// bumps the generation, so anything still in flight for an ended call is
// dropped when it arrives.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-taara/internal/observe"
	"github.com/teslashibe/go-taara/pkg/audioio"
	"github.com/teslashibe/go-taara/pkg/auth"
	"github.com/teslashibe/go-taara/pkg/capture"
	"github.com/teslashibe/go-taara/pkg/history"
	"github.com/teslashibe/go-taara/pkg/playback"
	"github.com/teslashibe/go-taara/pkg/prefs"
	"github.com/teslashibe/go-taara/pkg/transport"
	"github.com/teslashibe/go-taara/pkg/turn"
)

// Config holds call settings.
type Config struct {
	// Agent is called when Call is given no agent.
	Agent string

	// Audio configures capture and playback devices.
	Audio audioio.Config

	// SettleDelay is how long after tts_end the agent is still treated
	// as speaking. Default: 2s.
	SettleDelay time.Duration

	// TickInterval is the elapsed-time tick period. Default: 1s.
	TickInterval time.Duration

	// EventBuffer is the loop channel capacity. Default: 256.
	EventBuffer int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Audio:        audioio.DefaultConfig(),
		SettleDelay:  2 * time.Second,
		TickInterval: time.Second,
		EventBuffer:  256,
	}
}

// SourceFactory opens the capture device.
type SourceFactory func(ctx context.Context, cfg audioio.Config) (audioio.Source, error)

// DeviceCheck verifies the capture device before it is opened.
type DeviceCheck func(ctx context.Context, cfg audioio.Config) error

// Recorder receives conversation entries.
type Recorder interface {
	Record(e history.Entry) bool
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithDialer sets the transport dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithSessionProvider sets the identity provider.
func WithSessionProvider(p auth.Provider) Option {
	return func(c *Client) {
		c.provider = p
	}
}

// WithSourceFactory overrides how the capture device is opened.
func WithSourceFactory(f SourceFactory) Option {
	return func(c *Client) {
		c.newSource = f
	}
}

// WithDeviceCheck overrides the capture device check.
func WithDeviceCheck(f DeviceCheck) Option {
	return func(c *Client) {
		c.checkDevice = f
	}
}

// WithSinkFactory overrides how the playback sink is created.
func WithSinkFactory(f playback.SinkFactory) Option {
	return func(c *Client) {
		c.newSink = f
	}
}

// WithPreferences consults the stored capture device at each call setup.
func WithPreferences(s *prefs.Store) Option {
	return func(c *Client) {
		c.prefs = s
	}
}

// WithObserver registers a callback for call events. It runs on the loop
// goroutine: it must not block and must not call back into the Client.
func WithObserver(fn func(Event)) Option {
	return func(c *Client) {
		c.observers = append(c.observers, fn)
	}
}

// WithHistory records the conversation.
func WithHistory(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client owns at most one call at a time.
type Client struct {
	cfg         Config
	dialer      transport.Dialer
	provider    auth.Provider
	newSource   SourceFactory
	checkDevice DeviceCheck
	newSink     playback.SinkFactory
	prefs       *prefs.Store
	observers   []func(Event)
	recorder    Recorder
	clock       Clock
	metrics     *observe.Metrics
	logger      *slog.Logger

	events  chan loopEvent
	running atomic.Bool
	stopped chan struct{}
	snap    atomic.Pointer[Snapshot]

	// Loop-owned.
	runCtx  context.Context
	gen     uint64
	machine *turn.Machine
	gate    *capture.Gate
	sess    *session
}

// session is the state of the current call.
type session struct {
	id          string
	agent       string
	subject     string
	startedAt   time.Time
	connectedAt time.Time
	elapsed     int

	conn       transport.Conn
	cancelDial context.CancelFunc
	source     audioio.Source
	buffer     *playback.Buffer

	settle    Timer
	tick      Timer
	agentText strings.Builder
}

// New creates a Client. A dialer is required.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		cfg:         DefaultConfig(),
		checkDevice: audioio.CheckDevice,
		clock:       realClock{},
		logger:      slog.Default(),
		machine:     turn.New(),
		gate:        capture.New(),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		return nil, errors.New("call: dialer is required")
	}
	if err := c.cfg.Audio.Validate(); err != nil {
		return nil, fmt.Errorf("call: audio: %w", err)
	}
	if c.cfg.SettleDelay <= 0 {
		c.cfg.SettleDelay = 2 * time.Second
	}
	if c.cfg.TickInterval <= 0 {
		c.cfg.TickInterval = time.Second
	}
	if c.cfg.EventBuffer <= 0 {
		c.cfg.EventBuffer = 256
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.newSource == nil {
		c.newSource = func(_ context.Context, cfg audioio.Config) (audioio.Source, error) {
			return audioio.NewSource(cfg, c.logger)
		}
	}
	if c.newSink == nil {
		c.newSink = func(context.Context) (audioio.Sink, error) {
			return audioio.NewSink(c.cfg.Audio, c.logger)
		}
	}
	c.logger = c.logger.With("component", "call")
	c.events = make(chan loopEvent, c.cfg.EventBuffer)
	c.publish()
	return c, nil
}

// Run processes events until ctx is done. An active call is ended first.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.stopped)
	c.runCtx = ctx

	c.logger.Debug("call loop started")
	for {
		select {
		case <-ctx.Done():
			c.teardown(ReasonHangup, observe.OutcomeHangup)
			c.logger.Debug("call loop stopped")
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

// post hands an event to the loop. It reports false once the loop has
// stopped.
func (c *Client) post(ev loopEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopped:
		return false
	}
}

// submit runs a command on the loop and waits for its result.
func (c *Client) submit(ctx context.Context, cmd *command) (commandResult, error) {
	if !c.running.Load() {
		return commandResult{}, ErrNotRunning
	}
	cmd.reply = make(chan commandResult, 1)
	select {
	case c.events <- loopEvent{kind: evCommand, cmd: cmd}:
	case <-c.stopped:
		return commandResult{}, ErrNotRunning
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-c.stopped:
		return commandResult{}, ErrNotRunning
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

// Call starts a call with agent, or the configured agent when empty. It
// returns once dialing has begun; progress is reported to observers.
//
// The credential is fetched on the calling goroutine, so a token refresh
// never stalls the event loop.
func (c *Client) Call(ctx context.Context, agent string) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	cmd := &command{kind: cmdCall, agent: agent}
	if c.provider != nil {
		cmd.session, cmd.sessionErr = c.provider.CurrentSession(ctx)
	}
	_, err := c.submit(ctx, cmd)
	return err
}

// EndCall hangs up. Ending when no call is active is a no-op.
func (c *Client) EndCall(ctx context.Context, reason string) error {
	_, err := c.submit(ctx, &command{kind: cmdEnd, text: reason})
	return err
}

// SignOut ends any active call and then forgets the credential, so the
// next Call fails with ErrNoCredential.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.EndCall(ctx, ReasonSignedOut); err != nil {
		return err
	}
	if c.provider == nil {
		return nil
	}
	return c.provider.SignOut(ctx)
}

// ToggleMute switches between voice and text mode and returns the new
// muted state.
func (c *Client) ToggleMute(ctx context.Context) (bool, error) {
	res, err := c.submit(ctx, &command{kind: cmdToggleMute})
	return res.muted, err
}

// SendText sends a typed message. It requires text mode (muted).
func (c *Client) SendText(ctx context.Context, text string) error {
	_, err := c.submit(ctx, &command{kind: cmdSendText, text: text})
	return err
}

// Snapshot is a read-only view of the client.
type Snapshot struct {
	turn.Snapshot

	CallID    string         `json:"call_id,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Elapsed   int            `json:"elapsed"`
	Clock     string         `json:"clock"`
	AgentText string         `json:"agent_text,omitempty"`
	Gate      capture.Stats  `json:"gate"`
	Playback  playback.Stats `json:"playback"`
}

// Snapshot returns the state as of the last handled event. It is safe to
// call from any goroutine.
func (c *Client) Snapshot() Snapshot {
	return *c.snap.Load()
}

func (c *Client) publish() {
	s := Snapshot{
		Snapshot: c.machine.Snapshot(),
		Gate:     c.gate.Stats(),
		Clock:    FormatElapsed(0),
	}
	if c.sess != nil {
		s.CallID = c.sess.id
		s.Agent = c.sess.agent
		s.Elapsed = c.sess.elapsed
		s.Clock = FormatElapsed(c.sess.elapsed)
		s.AgentText = c.sess.agentText.String()
		if c.sess.buffer != nil {
			s.Playback = c.sess.buffer.Stats()
		}
	}
	c.snap.Store(&s)
}

func (c *Client) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = c.clock.Now()
	}
	if ev.CallID == "" && c.sess != nil {
		ev.CallID = c.sess.id
	}
	for _, fn := range c.observers {
		fn(ev)
	}
}

func (c *Client) record(person, text string) {
	if c.recorder == nil || c.sess == nil || text == "" {
		return
	}
	c.recorder.Record(history.Entry{
		Time:   c.clock.Now(),
		CallID: c.sess.id,
		Agent:  c.sess.agent,
		Person: person,
		Text:   text,
	})
}
