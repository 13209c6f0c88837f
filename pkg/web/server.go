// Package web serves the local dashboard and control API for a call client.
package web

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-taara/internal/observe"
	"github.com/teslashibe/go-taara/pkg/call"
	"github.com/teslashibe/go-taara/pkg/history"
	"github.com/teslashibe/go-taara/pkg/hub"
)

//go:embed static/index.html
var indexHTML []byte

// Controller is the call client the API drives.
type Controller interface {
	Call(ctx context.Context, agent string) error
	EndCall(ctx context.Context, reason string) error
	ToggleMute(ctx context.Context) (bool, error)
	SendText(ctx context.Context, text string) error
	SignOut(ctx context.Context) error
	Snapshot() call.Snapshot
}

// HistoryReader serves /api/history.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]history.Entry, error)
}

// Check is a readiness probe. A nil error means ready.
type Check func(ctx context.Context) error

// ConversationEntry represents a message in the conversation
type ConversationEntry struct {
	Time    string    `json:"time"`
	CallID  string    `json:"call_id,omitempty"`
	Role    call.Role `json:"role"`
	Message string    `json:"message"`
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Default: 127.0.0.1:8080.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithHistory serves stored conversation entries on /api/history.
func WithHistory(r HistoryReader) Option {
	return func(s *Server) {
		s.history = r
	}
}

// WithReadiness adds a named readiness check to /readyz.
func WithReadiness(name string, check Check) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, check: check})
	}
}

// WithMetrics sets the metric instruments used for request timing.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMetricsHandler overrides the /metrics handler. Default:
// promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithConversationLimit caps the in-memory conversation. Default: 100.
func WithConversationLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.conversationLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

type namedCheck struct {
	name  string
	check Check
}

// Server is the web dashboard server
type Server struct {
	app    *fiber.App
	addr   string
	ctrl   Controller
	logger *slog.Logger

	history        HistoryReader
	checks         []namedCheck
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Conversation buffer
	conversation      []ConversationEntry
	conversationLimit int
	conversationMu    sync.RWMutex

	// Call events for /ws/events
	events *hub.Hub
}

// NewServer creates a new web dashboard server
func NewServer(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		addr:              "127.0.0.1:8080",
		ctrl:              ctrl,
		logger:            slog.Default(),
		conversationLimit: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	s.events = hub.New("events", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "Taara Dashboard",
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})

	// CORS for local development
	app.Use(cors.New())
	app.Use(s.timeRequests)

	app.Get("/", s.handleIndex)
	app.Get("/healthz", s.handleHealth)
	app.Get("/readyz", s.handleReady)
	app.Get("/metrics", adaptor.HTTPHandler(s.metricsHandler))

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/call", s.handleCall)
	api.Post("/end", s.handleEnd)
	api.Post("/signout", s.handleSignOut)
	api.Post("/mute", s.handleMute)
	api.Post("/text", s.handleText)
	api.Get("/history", s.handleHistory)
	api.Get("/conversation", s.handleGetConversation)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts the app down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.events.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.logger.Info("dashboard listening", "url", "http://"+ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Observe receives call events. Register it with call.WithObserver.
func (s *Server) Observe(ev call.Event) {
	if ev.Kind == call.EventMessage {
		s.AddConversation(ev.CallID, ev.Role, ev.Text, ev.Time)
	}
	if err := s.events.BroadcastJSON(ev); err != nil {
		s.logger.Warn("failed to encode event", "kind", ev.Kind, "error", err)
	}
}

// AddConversation adds a conversation entry
func (s *Server) AddConversation(callID string, role call.Role, message string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	entry := ConversationEntry{
		Time:    at.Format("15:04:05"),
		CallID:  callID,
		Role:    role,
		Message: message,
	}

	s.conversationMu.Lock()
	s.conversation = append(s.conversation, entry)
	if over := len(s.conversation) - s.conversationLimit; over > 0 {
		s.conversation = append(s.conversation[:0:0], s.conversation[over:]...)
	}
	s.conversationMu.Unlock()
}

// Conversation returns a copy of the buffered conversation.
func (s *Server) Conversation() []ConversationEntry {
	s.conversationMu.RLock()
	defer s.conversationMu.RUnlock()
	return append([]ConversationEntry(nil), s.conversation...)
}

// EventClients returns the number of connected event streams.
func (s *Server) EventClients() int {
	return s.events.ClientCount()
}

// timeRequests records request latency by route. Websocket streams are
// long-lived and skipped.
func (s *Server) timeRequests(c *fiber.Ctx) error {
	if strings.HasPrefix(c.Path(), "/ws") {
		return c.Next()
	}
	start := time.Now()
	err := c.Next()
	route := c.Route().Path
	s.metrics.RecordHTTPRequest(c.UserContext(), c.Method(), route, time.Since(start))
	return err
}
