// Package loopback is a development agent that speaks the call protocol
// without any speech services. Typed text is answered with streamed
// ai_text_chunk messages; speech is detected by energy and answered with a
// transcript, a text reply and optional voice audio between tts_start and
// tts_end.
package loopback

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-taara/pkg/protocol"
	"github.com/teslashibe/go-taara/pkg/transport"
)

// DefaultAgent answers when the client names no character.
const DefaultAgent = "Taara"

// Config configures the server.
type Config struct {
	// Password, if set, must match the client's password query parameter
	// or bearer token.
	Password string

	Detector DetectorConfig

	// ChunkDelay paces streamed reply chunks. Default: 0.
	ChunkDelay time.Duration

	Logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithResponder replaces the Echo responder.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		s.responder = r
	}
}

// WithVoice sets the reply audio. Without one, voice turns carry no audio.
func WithVoice(v Voice) Option {
	return func(s *Server) {
		s.voice = v
	}
}

// WithTranscriber replaces DescribeUtterance.
func WithTranscriber(t Transcriber) Option {
	return func(s *Server) {
		s.transcribe = t
	}
}

// Server accepts agent connections.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	responder  Responder
	voice      Voice
	transcribe Transcriber

	mu       sync.RWMutex
	sessions map[string]*Session

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	utterances       atomic.Uint64
	authFailures     atomic.Uint64
}

// New creates a Server.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "loopback"),
		responder:  Echo,
		transcribe: DescribeUtterance,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// App returns a fiber app with every route registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Taara Loopback",
		DisableStartupMessage: true,
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.RegisterRoutes(app)
	s.RegisterAPIRoutes(app.Group("/api"))
	return app
}

// Serve runs App on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	app := s.App()
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln)
	}()
	s.logger.Info("loopback agent listening", "url", "ws://"+ln.Addr().String()+"/ws")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// RegisterRoutes registers the agent websocket route on a Fiber app
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleAgent))
}

// authorized checks the password query parameter or bearer token.
func (s *Server) authorized(c *websocket.Conn) bool {
	if s.cfg.Password == "" {
		return true
	}
	given := c.Query("password")
	if given == "" {
		given = strings.TrimPrefix(c.Headers("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.Password)) == 1
}

// handleAgent handles one client connection
func (s *Server) handleAgent(c *websocket.Conn) {
	agent := c.Query("character", DefaultAgent)

	if !s.authorized(c) {
		s.authFailures.Add(1)
		s.logger.Warn("rejected connection", "agent", agent, "remote", c.RemoteAddr().String())
		msg := websocket.FormatCloseMessage(transport.CloseCodeAuthFailed, "Authentication failed")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:        uuid.NewString(),
		Agent:     agent,
		Connected: time.Now(),
		server:    s,
		conn:      c,
		detector:  NewDetector(s.cfg.Detector),
		turns:     make(chan Turn, 8),
	}
	sess.LastSeen = sess.Connected

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.logger.Info("client connected", "session", sess.ID, "agent", agent, "sessions", count)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.answer(ctx)
	}()

	defer func() {
		cancel()
		wg.Wait()
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		count := len(s.sessions)
		s.mu.Unlock()
		s.logger.Info("client disconnected", "session", sess.ID, "sessions", count)
	}()

	// Read loop
	for {
		kind, data, err := c.ReadMessage()
		if err != nil {
			s.logger.Debug("read ended", "session", sess.ID, "error", err)
			return
		}
		sess.touch()
		s.messagesReceived.Add(1)
		if kind != websocket.TextMessage {
			continue
		}
		sess.handleMessage(data)
	}
}

// Session is one connected client.
type Session struct {
	ID        string
	Agent     string
	Connected time.Time
	LastSeen  time.Time

	server   *Server
	conn     *websocket.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	detector *Detector
	turns    chan Turn
}

func (sess *Session) touch() {
	sess.mu.Lock()
	sess.LastSeen = time.Now()
	sess.mu.Unlock()
}

// handleMessage processes an incoming message on the read goroutine.
func (sess *Session) handleMessage(data []byte) {
	s := sess.server
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Debug("parse error", "session", sess.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeTextMessage:
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			return
		}
		sess.queue(Turn{Agent: sess.Agent, Text: text})

	case protocol.TypeAudioChunk:
		samples, err := protocol.DecodeAudio(msg)
		if err != nil {
			s.logger.Debug("bad audio chunk", "session", sess.ID, "error", err)
			return
		}
		for _, u := range sess.detector.Push(samples) {
			s.utterances.Add(1)
			text, err := s.transcribe(context.Background(), u)
			if err != nil || strings.TrimSpace(text) == "" {
				s.logger.Debug("no transcript", "session", sess.ID, "error", err)
				continue
			}
			sess.queue(Turn{Agent: sess.Agent, Text: text, Voice: true})
		}

	default:
		s.logger.Debug("ignoring message", "session", sess.ID, "type", msg.Type)
	}
}

func (sess *Session) queue(t Turn) {
	select {
	case sess.turns <- t:
	default:
		sess.server.logger.Warn("turn queue full, dropping input", "session", sess.ID)
	}
}

// answer replies to turns one at a time until ctx is done.
func (sess *Session) answer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-sess.turns:
			if err := sess.reply(ctx, t); err != nil {
				sess.server.logger.Debug("reply failed", "session", sess.ID, "error", err)
			}
		}
	}
}

func (sess *Session) reply(ctx context.Context, t Turn) error {
	s := sess.server
	if t.Voice {
		if err := sess.sendText(protocol.TypeUserTranscript, t.Text); err != nil {
			return err
		}
		if err := sess.send(protocol.NewSignal(protocol.TypeTTSStart)); err != nil {
			return err
		}
		defer sess.send(protocol.NewSignal(protocol.TypeTTSEnd))
	}

	reply, err := s.responder.Respond(ctx, t)
	if err != nil {
		s.logger.Warn("responder failed", "session", sess.ID, "error", err)
		reply = "Sorry, I'm having a little trouble right now."
	}
	for _, chunk := range splitWords(reply) {
		if err := sess.sendText(protocol.TypeAITextChunk, chunk); err != nil {
			return err
		}
		if !sleep(ctx, s.cfg.ChunkDelay) {
			return ctx.Err()
		}
	}

	if !t.Voice || s.voice == nil {
		return nil
	}
	audio, err := s.voice.Speak(ctx, t.Agent, reply)
	if err != nil {
		s.logger.Warn("voice failed", "session", sess.ID, "error", err)
		return nil
	}
	for _, chunk := range audio {
		if err := sess.write(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (sess *Session) sendText(t protocol.MessageType, text string) error {
	msg, err := protocol.NewTextMessage(t, text)
	if err != nil {
		return err
	}
	return sess.send(msg)
}

// send sends a message to the client
func (sess *Session) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return sess.write(websocket.TextMessage, data)
}

func (sess *Session) write(kind int, data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.server.messagesSent.Add(1)
	return sess.conn.WriteMessage(kind, data)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SessionCount returns the number of connected clients
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats contains server statistics
type Stats struct {
	Sessions         int    `json:"sessions"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Utterances       uint64 `json:"utterances"`
	AuthFailures     uint64 `json:"auth_failures"`
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	return Stats{
		Sessions:         s.SessionCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		Utterances:       s.utterances.Load(),
		AuthFailures:     s.authFailures.Load(),
	}
}

// SessionInfo contains info about a connected client
type SessionInfo struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// GetSessionInfos returns info about all connected clients
func (s *Server) GetSessionInfos() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		infos = append(infos, SessionInfo{
			ID:        sess.ID,
			Agent:     sess.Agent,
			Connected: sess.Connected,
			LastSeen:  sess.LastSeen,
		})
		sess.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers API routes for session inspection
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/sessions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": s.GetSessionInfos(),
			"count":    s.SessionCount(),
		})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})
}
