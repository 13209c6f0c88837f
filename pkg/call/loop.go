package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-taara/internal/observe"
	"github.com/teslashibe/go-taara/pkg/audioio"
	"github.com/teslashibe/go-taara/pkg/auth"
	"github.com/teslashibe/go-taara/pkg/capture"
	"github.com/teslashibe/go-taara/pkg/history"
	"github.com/teslashibe/go-taara/pkg/playback"
	"github.com/teslashibe/go-taara/pkg/protocol"
	"github.com/teslashibe/go-taara/pkg/transport"
	"github.com/teslashibe/go-taara/pkg/turn"
)

type eventKind int

const (
	evCommand eventKind = iota + 1
	evDialed
	evFrame
	evInbound
	evPlayed
	evSettle
	evTick
)

// loopEvent is everything the loop handles. gen is ignored for commands.
type loopEvent struct {
	kind eventKind
	gen  uint64

	cmd        *command
	conn       transport.Conn
	err        error
	frame      audioio.Frame
	inbound    transport.Inbound
	completion playback.Completion
	token      uint64
}

type commandKind int

const (
	cmdCall commandKind = iota + 1
	cmdEnd
	cmdToggleMute
	cmdSendText
)

type command struct {
	kind  commandKind
	agent string
	text  string
	reply chan commandResult

	// cmdCall: the credential, looked up by the caller off the loop.
	session    *auth.Session
	sessionErr error
}

type commandResult struct {
	muted bool
	err   error
}

func (c *Client) handle(ev loopEvent) {
	if ev.kind == evCommand {
		ev.cmd.reply <- c.handleCommand(ev.cmd)
		return
	}
	if ev.gen != c.gen || c.sess == nil {
		if ev.kind == evDialed && ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case evDialed:
		c.onDialed(ev.conn, ev.err)
	case evFrame:
		c.onFrame(ev.frame)
	case evInbound:
		c.onInbound(ev.inbound)
	case evPlayed:
		c.sess.buffer.Complete(ev.completion)
	case evSettle:
		c.apply(turn.Event{Kind: turn.Settle, Token: ev.token})
	case evTick:
		c.onTick()
	}
}

func (c *Client) handleCommand(cmd *command) commandResult {
	switch cmd.kind {
	case cmdCall:
		return commandResult{err: c.startCall(cmd)}
	case cmdEnd:
		reason := cmd.text
		if reason == "" {
			reason = ReasonHangup
		}
		c.teardown(reason, observe.OutcomeHangup)
		return commandResult{}
	case cmdToggleMute:
		if _, err := c.apply(turn.Event{Kind: turn.ToggleMute}); err != nil {
			return commandResult{err: err}
		}
		return commandResult{muted: c.machine.Muted()}
	case cmdSendText:
		return commandResult{err: c.sendText(cmd.text)}
	}
	return commandResult{err: fmt.Errorf("call: unknown command %d", cmd.kind)}
}

// apply runs a turn event and acts on the result.
func (c *Client) apply(ev turn.Event) (turn.Result, error) {
	res, err := c.machine.Handle(ev)
	if err != nil {
		return res, err
	}
	if res.CancelSettle && c.sess != nil {
		stopTimer(&c.sess.settle)
	}
	if res.ScheduleSettle && c.sess != nil {
		stopTimer(&c.sess.settle)
		gen, token := c.gen, res.SettleToken
		c.sess.settle = c.clock.AfterFunc(c.cfg.SettleDelay, func() {
			c.post(loopEvent{kind: evSettle, gen: gen, token: token})
		})
	}
	if res.Changed() {
		c.logger.Debug("turn state changed", "from", res.From, "to", res.To, "event", ev.Kind)
		c.emit(Event{Kind: EventStateChanged, State: res.To})
	}
	return res, nil
}

func (c *Client) startCall(cmd *command) error {
	if c.machine.State() != turn.StateIdle {
		return ErrCallInProgress
	}
	agent := cmd.agent
	if agent == "" {
		agent = c.cfg.Agent
	}
	if agent == "" {
		return ErrNoAgent
	}
	sess, err := cmd.session, cmd.sessionErr
	if errors.Is(err, auth.ErrNoSession) {
		return ErrNoCredential
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if sess == nil {
		return ErrNoCredential
	}

	cred := transport.Credential{Kind: transport.CredentialPassword, Secret: sess.Token}
	if sess.Kind == auth.KindBearer {
		cred.Kind = transport.CredentialBearer
	}
	target := transport.Target{Agent: agent, Credential: cred}

	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(c.runCtx)
	c.sess = &session{
		id:         uuid.NewString(),
		agent:      agent,
		subject:    sess.Subject,
		startedAt:  c.clock.Now(),
		cancelDial: cancel,
	}
	c.gate.Reset()
	c.metrics.CallsStarted.Add(c.runCtx, 1)
	c.logger.Info("calling agent", "agent", agent, "call_id", c.sess.id)

	if _, err := c.apply(turn.Event{Kind: turn.Initiate}); err != nil {
		cancel()
		c.sess = nil
		return err
	}

	deliver := func(in transport.Inbound) {
		c.post(loopEvent{kind: evInbound, gen: gen, inbound: in})
	}
	go func() {
		conn, err := c.dialer.Dial(dialCtx, target, deliver)
		if !c.post(loopEvent{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

func (c *Client) onDialed(conn transport.Conn, err error) {
	if err != nil {
		c.endWithTransportError(err)
		return
	}
	c.sess.conn = conn
	gen := c.gen
	c.sess.buffer = playback.New(c.newSink, func(done playback.Completion) {
		c.post(loopEvent{kind: evPlayed, gen: gen, completion: done})
	},
		playback.WithLogger(c.logger),
		playback.WithHooks(
			func() { c.metrics.ChunksAppended.Add(c.runCtx, 1) },
			func(error) { c.metrics.ChunksFailed.Add(c.runCtx, 1) },
		),
	)

	if _, err := c.apply(turn.Event{Kind: turn.Open}); err != nil {
		c.logger.Error("unexpected open", "error", err)
		c.teardown(ReasonHangup, observe.OutcomeDisconnect)
		return
	}
	c.sess.connectedAt = c.clock.Now()
	c.metrics.ActiveCalls.Add(c.runCtx, 1)
	c.logger.Info("call connected", "agent", c.sess.agent, "call_id", c.sess.id)

	if err := c.startCapture(); err != nil {
		c.logger.Warn("capture setup failed", "error", err)
		c.teardown(ReasonMicrophone, observe.OutcomeSetupError)
		return
	}

	c.emit(Event{Kind: EventMessage, Role: RoleAgent, Text: Greeting})
	c.scheduleTick()
}

// startCapture opens the microphone for the current call.
func (c *Client) startCapture() error {
	cfg := c.cfg.Audio
	if c.prefs != nil {
		p, err := c.prefs.Load()
		if err != nil {
			return err
		}
		if p.CaptureDevice != "" {
			cfg.Device = p.CaptureDevice
		}
	}
	if err := c.checkDevice(c.runCtx, cfg); err != nil {
		return err
	}

	src, err := c.newSource(c.runCtx, cfg)
	if err != nil {
		return err
	}
	if err := src.Start(c.runCtx); err != nil {
		_ = src.Close()
		return err
	}
	c.sess.source = src

	gen := c.gen
	frames := src.Stream()
	go func() {
		for f := range frames {
			if !c.post(loopEvent{kind: evFrame, gen: gen, frame: f}) {
				return
			}
		}
	}()
	return nil
}

func (c *Client) onFrame(f audioio.Frame) {
	d := c.gate.Decide(f, capture.Conditions{
		Muted:           c.machine.Muted(),
		AgentSpeaking:   c.machine.AgentSpeaking(),
		PlaybackPending: c.sess.buffer != nil && c.sess.buffer.Pending(),
		TransportOpen:   c.sess.conn != nil && c.machine.Connected(),
	})
	c.metrics.RecordFrame(c.runCtx, d.Transmit, string(d.Reason))
	if !d.Transmit {
		return
	}
	if err := c.sess.conn.SendAudio(f.Samples); err != nil {
		c.logger.Warn("failed to send audio frame", "error", err)
		return
	}
	c.emit(Event{Kind: EventLevel, Level: d.Level})
}

func (c *Client) onInbound(in transport.Inbound) {
	switch in.Kind {
	case transport.InboundAudio:
		c.metrics.ChunksReceived.Add(c.runCtx, 1)
		if err := c.sess.buffer.Enqueue(c.runCtx, in.Audio); err != nil {
			c.logger.Warn("failed to queue agent audio", "error", err)
		}
	case transport.InboundMessage:
		c.onMessage(in.Message)
	case transport.InboundClosed:
		c.endWithTransportError(in.Err)
	}
}

func (c *Client) onMessage(m *protocol.Message) {
	switch m.Type {
	case protocol.TypeUserTranscript:
		text := m.Text()
		c.flushAgentText()
		c.apply(turn.Event{Kind: turn.UserTranscript})
		c.emit(Event{Kind: EventMessage, Role: RoleUser, Text: text})
		c.record(history.PersonUser, text)
	case protocol.TypeAITextChunk:
		c.sess.agentText.WriteString(m.Text())
		c.emit(Event{Kind: EventAgentText, Role: RoleAgent, Text: c.sess.agentText.String()})
	case protocol.TypeTTSStart:
		c.apply(turn.Event{Kind: turn.SpeechStart})
	case protocol.TypeTTSEnd:
		c.apply(turn.Event{Kind: turn.SpeechEnd})
		c.flushAgentText()
	default:
		c.logger.Debug("ignoring message", "type", m.Type)
	}
}

// flushAgentText completes the current agent reply.
func (c *Client) flushAgentText() {
	text := c.sess.agentText.String()
	c.sess.agentText.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	c.emit(Event{Kind: EventMessage, Role: RoleAgent, Text: text})
	c.record(c.sess.agent, text)
}

func (c *Client) sendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	if c.sess == nil || c.sess.conn == nil || !c.machine.Connected() {
		return turn.ErrNotConnected
	}
	if !c.machine.Muted() {
		return turn.ErrVoiceMode
	}
	if err := c.sess.conn.SendText(text); err != nil {
		return err
	}
	c.flushAgentText()
	if _, err := c.apply(turn.Event{Kind: turn.TextSent}); err != nil {
		return err
	}
	c.emit(Event{Kind: EventMessage, Role: RoleUser, Text: text})
	c.record(history.PersonUser, text)
	return nil
}

func (c *Client) scheduleTick() {
	gen := c.gen
	c.sess.tick = c.clock.AfterFunc(c.cfg.TickInterval, func() {
		c.post(loopEvent{kind: evTick, gen: gen})
	})
}

func (c *Client) onTick() {
	if !c.machine.Connected() || c.sess.connectedAt.IsZero() {
		return
	}
	c.sess.elapsed = int(c.clock.Now().Sub(c.sess.connectedAt).Seconds())
	c.emit(Event{Kind: EventTick, Elapsed: c.sess.elapsed, Clock: FormatElapsed(c.sess.elapsed)})
	c.scheduleTick()
}

func (c *Client) endWithTransportError(err error) {
	if transport.IsAuthFailure(err) {
		c.logger.Warn("agent rejected credential", "error", err)
		c.emit(Event{Kind: EventAuthFailed, Role: RoleSystem, Text: ReasonAuthFailed})
		c.teardown(ReasonAuthFailed, observe.OutcomeAuthFailed)
		return
	}
	c.logger.Warn("connection ended", "error", err)
	c.teardown(reasonClosedPrefix+transport.Reason(err), observe.OutcomeDisconnect)
}

// teardown releases everything the call holds, in order, before returning.
// It is a no-op when no call is active.
func (c *Client) teardown(reason, outcome string) {
	s := c.sess
	if s == nil {
		return
	}

	stopTimer(&s.settle)
	stopTimer(&s.tick)
	if s.cancelDial != nil {
		s.cancelDial()
	}
	if s.source != nil {
		if err := s.source.Stop(); err != nil {
			c.logger.Warn("failed to stop capture", "error", err)
		}
		_ = s.source.Close()
	}
	if s.buffer != nil {
		if err := s.buffer.Close(); err != nil {
			c.logger.Warn("failed to close playback", "error", err)
		}
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	c.flushAgentText()

	c.gen++
	var connected time.Duration
	if !s.connectedAt.IsZero() {
		connected = c.clock.Now().Sub(s.connectedAt)
	}
	c.metrics.RecordCallEnded(context.WithoutCancel(c.runCtx), outcome, !s.connectedAt.IsZero(), connected)
	c.logger.Info("call ended", "call_id", s.id, "reason", reason, "outcome", outcome)

	c.apply(turn.Event{Kind: turn.Close})
	c.emit(Event{Kind: EventEnded, Role: RoleSystem, Text: reason, CallID: s.id})
	c.sess = nil
}
