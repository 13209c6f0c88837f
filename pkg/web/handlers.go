package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-taara/pkg/call"
	"github.com/teslashibe/go-taara/pkg/hub"
	"github.com/teslashibe/go-taara/pkg/turn"
)

const (
	// commandTimeout bounds how long an API request waits on the call loop.
	commandTimeout = 5 * time.Second

	readyTimeout = 2 * time.Second

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// CallRequest is the body of POST /api/call.
type CallRequest struct {
	Agent string `json:"agent"`
}

// EndRequest is the body of POST /api/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// TextRequest is the body of POST /api/text.
type TextRequest struct {
	Text string `json:"text"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	call.Snapshot
	DashboardClients int `json:"dashboard_clients"`

	// DashboardDropped counts events discarded because the hub was
	// backed up.
	DashboardDropped int64 `json:"dashboard_dropped"`
}

func (s *Server) commandContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), commandTimeout)
}

// statusFor maps call errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrNoCredential):
		return fiber.StatusUnauthorized
	case errors.Is(err, call.ErrNoAgent), errors.Is(err, call.ErrEmptyText):
		return fiber.StatusBadRequest
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, turn.ErrNotConnected),
		errors.Is(err, turn.ErrVoiceMode):
		return fiber.StatusConflict
	case errors.Is(err, call.ErrNotRunning),
		errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleIndex(c *fiber.Ctx) error {
	c.Type("html", "utf-8")
	return c.Send(indexHTML)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleReady runs every readiness check.
func (s *Server) handleReady(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	ready := true
	for _, nc := range s.checks {
		if err := nc.check(ctx); err != nil {
			results[nc.name] = err.Error()
			ready = false
			continue
		}
		results[nc.name] = "ok"
	}

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"checks": results,
		})
	}
	return c.JSON(fiber.Map{"status": "ok", "checks": results})
}

// handleStatus returns the call client's current state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		Snapshot:         s.ctrl.Snapshot(),
		DashboardClients: s.events.ClientCount(),
		DashboardDropped: s.events.Dropped(),
	})
}

func (s *Server) handleCall(c *fiber.Ctx) error {
	var req CallRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()
	if err := s.ctrl.Call(ctx, req.Agent); err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(s.ctrl.Snapshot())
}

// handleSignOut hangs up and forgets the credential.
func (s *Server) handleSignOut(c *fiber.Ctx) error {
	ctx, cancel := s.commandContext(c)
	defer cancel()
	if err := s.ctrl.SignOut(ctx); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.ctrl.Snapshot())
}

func (s *Server) handleEnd(c *fiber.Ctx) error {
	var req EndRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()
	if err := s.ctrl.EndCall(ctx, req.Reason); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.ctrl.Snapshot())
}

func (s *Server) handleMute(c *fiber.Ctx) error {
	ctx, cancel := s.commandContext(c)
	defer cancel()
	muted, err := s.ctrl.ToggleMute(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"muted": muted})
}

func (s *Server) handleText(c *fiber.Ctx) error {
	var req TextRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx, cancel := s.commandContext(c)
	defer cancel()
	if err := s.ctrl.SendText(ctx, req.Text); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "sent"})
}

// handleHistory returns stored entries, oldest first.
func (s *Server) handleHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "history is not enabled"})
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := s.history.Recent(c.UserContext(), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	return c.JSON(s.Conversation())
}

func (s *Server) handleEventsWS(c *websocket.Conn) {
	hub.NewClient(s.events, c).Run()
}
