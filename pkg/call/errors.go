package call

import "errors"

var (
	// ErrNoCredential is returned by Call when the user is not signed in.
	// No connection is attempted.
	ErrNoCredential = errors.New("call: not signed in")

	// ErrNoAgent is returned by Call when no agent is given or configured.
	ErrNoAgent = errors.New("call: no agent selected")

	// ErrCallInProgress is returned by Call while a call is active.
	ErrCallInProgress = errors.New("call: call already in progress")

	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("call: empty message")

	// ErrNotRunning is returned by commands when Run is not active.
	ErrNotRunning = errors.New("call: client not running")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("call: client already running")
)

// End reasons reported with EventEnded.
const (
	ReasonHangup       = "Call ended."
	ReasonAuthFailed   = "Authentication failed."
	ReasonMicrophone   = "Could not access microphone."
	ReasonSignedOut    = "Signed out."
	reasonClosedPrefix = "Connection closed: "
)

// Greeting is shown when a call opens.
const Greeting = "I'm connected! By default, we're in VOICE mode. Just start talking! To switch to TEXT mode, press the Mute button."
