package call

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-taara/pkg/turn"
)

// EventKind discriminates observer events.
type EventKind string

const (
	EventStateChanged EventKind = "state"
	EventMessage      EventKind = "message"
	EventAgentText    EventKind = "agent_text"
	EventLevel        EventKind = "level"
	EventTick         EventKind = "tick"
	EventAuthFailed   EventKind = "auth_failed"
	EventEnded        EventKind = "ended"
)

// Role says who a message came from.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Event is what observers see. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind `json:"kind"`
	CallID string    `json:"call_id,omitempty"`
	Time   time.Time `json:"time"`

	// EventStateChanged
	State turn.State `json:"state,omitempty"`

	// EventMessage, EventAgentText, EventEnded, EventAuthFailed
	Role Role   `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// EventLevel
	Level float64 `json:"level,omitempty"`

	// EventTick
	Elapsed int    `json:"elapsed,omitempty"`
	Clock   string `json:"clock,omitempty"`
}

// FormatElapsed renders seconds as mm:ss. Minutes keep counting past 59.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
