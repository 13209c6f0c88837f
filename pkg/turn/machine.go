// Package turn tracks the conversation turn for a single call.
//
// The machine has a live state (idle, dialing, listening, processing,
// speaking) and a muted overlay. While muted, the visible state is
// StateMuted but the live state keeps following the agent, so unmuting
// reports what is actually happening rather than what was happening when
// the user muted.
//
// Machine is not safe for concurrent use; the call event loop owns it.
package turn

import (
	"errors"
	"fmt"
)

// State is the externally visible turn state.
type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateMuted      State = "muted"
)

// Kind discriminates events.
type Kind int

const (
	Initiate Kind = iota + 1
	Open
	Close
	UserTranscript
	SpeechStart
	SpeechEnd
	Settle
	ToggleMute
	TextSent
)

var kindNames = map[Kind]string{
	Initiate:       "initiate",
	Open:           "open",
	Close:          "close",
	UserTranscript: "user_transcript",
	SpeechStart:    "speech_start",
	SpeechEnd:      "speech_end",
	Settle:         "settle",
	ToggleMute:     "toggle_mute",
	TextSent:       "text_sent",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is an input to the machine. Token is only used by Settle.
type Event struct {
	Kind  Kind
	Token uint64
}

var (
	// ErrInvalidTransition is returned for an event the current state does not accept.
	ErrInvalidTransition = errors.New("turn: invalid transition")

	// ErrNotConnected is returned for mute and text while no call is open.
	ErrNotConnected = errors.New("turn: call not connected")

	// ErrVoiceMode is returned when text is sent while unmuted.
	ErrVoiceMode = errors.New("turn: text input requires text mode (mute first)")
)

// Result describes what a handled event changed.
type Result struct {
	From State
	To   State

	// Opened is set on dialing → listening.
	Opened bool

	// Closed is set when a call returns to idle.
	Closed bool

	// ScheduleSettle asks the caller to deliver Settle{Token: SettleToken}
	// after the settle delay.
	ScheduleSettle bool
	SettleToken    uint64

	// CancelSettle asks the caller to stop any pending settle timer.
	CancelSettle bool
}

// Changed reports whether the visible state changed.
func (r Result) Changed() bool {
	return r.From != r.To
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State         State `json:"state"`
	Live          State `json:"live"`
	Muted         bool  `json:"muted"`
	AgentSpeaking bool  `json:"agent_speaking"`
}

// Machine is the turn state machine.
type Machine struct {
	live          State
	muted         bool
	agentSpeaking bool

	settleToken   uint64
	settlePending bool
}

// New returns a machine in StateIdle.
func New() *Machine {
	return &Machine{live: StateIdle}
}

// State returns the visible state.
func (m *Machine) State() State {
	if m.muted && m.live != StateIdle {
		return StateMuted
	}
	return m.live
}

// Live returns the state without the muted overlay.
func (m *Machine) Live() State { return m.live }

// Muted reports whether capture is disabled (text mode).
func (m *Machine) Muted() bool { return m.muted }

// AgentSpeaking reports whether agent speech is in progress or settling.
func (m *Machine) AgentSpeaking() bool { return m.agentSpeaking }

// Connected reports whether a call is open.
func (m *Machine) Connected() bool {
	switch m.live {
	case StateListening, StateProcessing, StateSpeaking:
		return true
	}
	return false
}

// Snapshot returns the current view.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:         m.State(),
		Live:          m.live,
		Muted:         m.muted,
		AgentSpeaking: m.agentSpeaking,
	}
}

// Handle applies one event.
func (m *Machine) Handle(ev Event) (Result, error) {
	res := Result{From: m.State()}
	var err error

	switch ev.Kind {
	case Initiate:
		err = m.initiate()
	case Open:
		err = m.open(&res)
	case Close:
		m.close(&res)
	case UserTranscript:
		m.userTranscript()
	case SpeechStart:
		m.speechStart(&res)
	case SpeechEnd:
		m.speechEnd(&res)
	case Settle:
		m.settle(ev.Token)
	case ToggleMute:
		err = m.toggleMute()
	case TextSent:
		err = m.textSent()
	default:
		err = fmt.Errorf("%w: unknown event %s", ErrInvalidTransition, ev.Kind)
	}

	res.To = m.State()
	return res, err
}

func (m *Machine) initiate() error {
	if m.live != StateIdle {
		return fmt.Errorf("%w: initiate from %s", ErrInvalidTransition, m.live)
	}
	m.live = StateDialing
	m.muted = false
	m.agentSpeaking = false
	m.settlePending = false
	return nil
}

func (m *Machine) open(res *Result) error {
	if m.live != StateDialing {
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, m.live)
	}
	m.live = StateListening
	res.Opened = true
	return nil
}

func (m *Machine) close(res *Result) {
	if m.live == StateIdle {
		return
	}
	if m.settlePending {
		res.CancelSettle = true
	}
	m.live = StateIdle
	m.muted = false
	m.agentSpeaking = false
	m.settlePending = false
	res.Closed = true
}

func (m *Machine) userTranscript() {
	if m.live == StateListening {
		m.live = StateProcessing
	}
}

func (m *Machine) speechStart(res *Result) {
	switch m.live {
	case StateListening, StateProcessing, StateSpeaking:
	default:
		return
	}
	if m.settlePending {
		m.settlePending = false
		res.CancelSettle = true
	}
	m.live = StateSpeaking
	m.agentSpeaking = true
}

func (m *Machine) speechEnd(res *Result) {
	if m.live != StateSpeaking {
		return
	}
	m.settleToken++
	m.settlePending = true
	res.ScheduleSettle = true
	res.SettleToken = m.settleToken
}

func (m *Machine) settle(token uint64) {
	if !m.settlePending || token != m.settleToken {
		return
	}
	m.settlePending = false
	m.agentSpeaking = false
	if m.live == StateSpeaking {
		m.live = StateListening
	}
}

func (m *Machine) toggleMute() error {
	if !m.Connected() {
		return ErrNotConnected
	}
	m.muted = !m.muted
	if !m.muted {
		if m.agentSpeaking {
			m.live = StateSpeaking
		} else {
			m.live = StateListening
		}
	}
	return nil
}

func (m *Machine) textSent() error {
	if !m.Connected() {
		return ErrNotConnected
	}
	if !m.muted {
		return ErrVoiceMode
	}
	if !m.agentSpeaking {
		m.live = StateProcessing
	}
	return nil
}
