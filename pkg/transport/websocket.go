package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-taara/pkg/protocol"
)

// InboundKind discriminates values handed to the deliver callback.
type InboundKind int

const (
	// InboundAudio carries one binary frame of encoded agent audio.
	InboundAudio InboundKind = iota + 1
	// InboundMessage carries a structured message of a known type.
	InboundMessage
	// InboundClosed reports that the peer or the network ended the session.
	InboundClosed
)

// Inbound is one value read from the connection.
type Inbound struct {
	Kind    InboundKind
	Audio   []byte
	Message *protocol.Message

	// Err is set for InboundClosed: an *AuthError or a *ConnectionError.
	Err error
}

// Conn is an open session with the agent.
type Conn interface {
	// SendAudio sends one captured frame as an audio_chunk message.
	SendAudio(samples []float32) error

	// SendText sends a typed message.
	SendText(text string) error

	// Close closes the session. Nothing read after Close is delivered; a
	// value already being delivered may still arrive. It is safe to call
	// more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	// Dial connects to the target. deliver is called from a reader
	// goroutine for every inbound value until the session ends.
	Dial(ctx context.Context, target Target, deliver func(Inbound)) (Conn, error)
}

// WebSocketDialer dials the agent over a websocket.
type WebSocketDialer struct {
	config *Config
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer.
func NewWebSocketDialer(opts ...Option) (*WebSocketDialer, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketDialer{
		config: cfg,
		logger: cfg.Logger.With("component", "transport"),
	}, nil
}

// Endpoint returns the URL that would be dialled for target. Bearer
// credentials are not part of the URL.
func (d *WebSocketDialer) Endpoint(target Target) (string, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return "", fmt.Errorf("transport: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("character", target.Agent)
	if target.Credential.Kind == CredentialPassword {
		q.Set("password", target.Credential.Secret)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, target Target, deliver func(Inbound)) (Conn, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := d.Endpoint(target)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	for k, v := range d.config.Header {
		headers[k] = append([]string(nil), v...)
	}
	if target.Credential.Kind == CredentialBearer {
		headers.Set("Authorization", "Bearer "+target.Credential.Secret)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.config.HandshakeTimeout,
	}

	d.logger.Info("connecting to agent", "agent", target.Agent)

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, handshakeError(resp, err)
	}
	if d.config.ReadLimit > 0 {
		conn.SetReadLimit(d.config.ReadLimit)
	}

	s := &Session{
		conn:         conn,
		deliver:      deliver,
		writeTimeout: d.config.WriteTimeout,
		logger:       d.logger.With("agent", target.Agent),
		done:         make(chan struct{}),
	}
	go s.readLoop()

	d.logger.Info("connected to agent", "agent", target.Agent)
	return s, nil
}

// Session is an open websocket session.
type Session struct {
	conn         *websocket.Conn
	deliver      func(Inbound)
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	framesSent     atomic.Int64
	framesReceived atomic.Int64
}

// SendAudio implements Conn.
func (s *Session) SendAudio(samples []float32) error {
	data, err := protocol.EncodeAudio(samples)
	if err != nil {
		return fmt.Errorf("transport: encode audio: %w", err)
	}
	return s.write(data, "send audio failed")
}

// SendText implements Conn.
func (s *Session) SendText(text string) error {
	data, err := protocol.EncodeText(text)
	if err != nil {
		return fmt.Errorf("transport: encode text: %w", err)
	}
	return s.write(data, "send text failed")
}

func (s *Session) write(data []byte, what string) error {
	if s.closing.Load() {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return NewConnectionError(what, err, true)
	}
	s.framesSent.Add(1)
	return nil
}

// Close implements Conn.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		err = s.conn.Close()

		s.logger.Info("disconnected from agent",
			"frames_sent", s.framesSent.Load(),
			"frames_received", s.framesReceived.Load(),
		)
	})
	return err
}

// Done is closed when the reader goroutine exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			cerr := closeError(err)
			s.logger.Warn("connection ended", "error", cerr)
			s.deliver(Inbound{Kind: InboundClosed, Err: cerr})
			return
		}
		if s.closing.Load() {
			return
		}
		s.framesReceived.Add(1)

		switch mt {
		case websocket.BinaryMessage:
			s.deliver(Inbound{Kind: InboundAudio, Audio: data})
		case websocket.TextMessage:
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				s.logger.Debug("ignoring malformed message", "error", err)
				continue
			}
			if !msg.Type.Known() {
				s.logger.Debug("ignoring unknown message", "type", msg.Type)
				continue
			}
			s.deliver(Inbound{Kind: InboundMessage, Message: msg})
		}
	}
}

// closeError classifies a read error that ended the session.
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == CloseCodeAuthFailed {
			reason := ce.Text
			if reason == "" {
				reason = "Authentication failed"
			}
			return &AuthError{Code: ce.Code, Reason: reason}
		}
		reason := ce.Text
		if reason == "" {
			reason = fmt.Sprintf("closed with code %d", ce.Code)
		}
		return &ConnectionError{
			Code:      ce.Code,
			Reason:    reason,
			Cause:     err,
			Retryable: ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.ClosePolicyViolation,
		}
	}
	return NewConnectionError("connection lost", err, true)
}
