// Package capture decides, frame by frame, whether captured microphone audio
// may be sent to the agent.
//
// A frame is transmitted only while the user is unmuted, the agent is not
// speaking, no agent audio is waiting to be played and the connection is
// open. Frames that fail the gate are dropped; nothing is buffered.
package capture

import (
	"github.com/teslashibe/go-taara/pkg/audioio"
)

// Reason names the condition that blocked a frame.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMuted           Reason = "muted"
	ReasonAgentSpeaking   Reason = "agent_speaking"
	ReasonPlaybackPending Reason = "playback_pending"
	ReasonTransportClosed Reason = "transport_closed"
)

// Reasons lists every blocking reason in evaluation order.
var Reasons = []Reason{ReasonMuted, ReasonAgentSpeaking, ReasonPlaybackPending, ReasonTransportClosed}

// Conditions is the call state the gate is evaluated against.
type Conditions struct {
	Muted           bool
	AgentSpeaking   bool
	PlaybackPending bool
	TransportOpen   bool
}

// Blocked returns the first failing condition, or ReasonNone.
func (c Conditions) Blocked() Reason {
	switch {
	case c.Muted:
		return ReasonMuted
	case c.AgentSpeaking:
		return ReasonAgentSpeaking
	case c.PlaybackPending:
		return ReasonPlaybackPending
	case !c.TransportOpen:
		return ReasonTransportClosed
	}
	return ReasonNone
}

// Decision is the outcome for one frame.
type Decision struct {
	Transmit bool
	Reason   Reason

	// Level is the mean absolute sample value, set for transmitted frames.
	Level float64
}

// Stats counts gate outcomes.
type Stats struct {
	Sent    int64            `json:"sent"`
	Dropped map[Reason]int64 `json:"dropped"`
}

// Gate evaluates frames. It is owned by a single goroutine.
type Gate struct {
	sent    int64
	dropped map[Reason]int64
}

// New creates a Gate.
func New() *Gate {
	return &Gate{dropped: make(map[Reason]int64, len(Reasons))}
}

// Decide evaluates one frame against the current conditions.
func (g *Gate) Decide(f audioio.Frame, c Conditions) Decision {
	if r := c.Blocked(); r != ReasonNone {
		g.dropped[r]++
		return Decision{Reason: r}
	}
	g.sent++
	return Decision{Transmit: true, Level: f.Level()}
}

// Stats returns a copy of the counters.
func (g *Gate) Stats() Stats {
	dropped := make(map[Reason]int64, len(g.dropped))
	for r, n := range g.dropped {
		dropped[r] = n
	}
	return Stats{Sent: g.sent, Dropped: dropped}
}

// Reset clears the counters.
func (g *Gate) Reset() {
	g.sent = 0
	clear(g.dropped)
}
