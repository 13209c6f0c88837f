// Package transport owns the single websocket connection between the
// client and the voice agent.
//
// The agent identity and credential are sent once, with the connection
// request. Inbound binary frames are agent audio; inbound text frames are
// protocol messages. Both are handed to a deliver callback from the
// session's reader goroutine.
package transport

import (
	"log/slog"
	"net/http"
	"time"
)

// CredentialKind says how a credential is presented to the agent.
type CredentialKind int

const (
	// CredentialPassword is a shared secret sent as the "password" query parameter.
	CredentialPassword CredentialKind = iota
	// CredentialBearer is a token sent as an Authorization header.
	CredentialBearer
)

// Credential authenticates the client.
type Credential struct {
	Kind   CredentialKind
	Secret string
}

// Target identifies who to call.
type Target struct {
	// Agent is the agent/character name, sent as the "character" query parameter.
	Agent string

	Credential Credential
}

// Validate checks the target for required fields.
func (t Target) Validate() error {
	if t.Agent == "" {
		return ErrMissingAgent
	}
	if t.Credential.Secret == "" {
		return ErrMissingCredential
	}
	return nil
}

// Config holds configuration for the websocket dialer.
type Config struct {
	// URL is the agent endpoint, e.g. "wss://taara.example.com/ws".
	// http and https schemes are rewritten to ws and wss.
	URL string

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration

	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64

	// Header carries extra handshake headers.
	Header http.Header

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        4 << 20,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	return nil
}

// Option is a functional option for configuring the dialer.
type Option func(*Config)

// WithURL sets the agent endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithHandshakeTimeout sets the handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithWriteTimeout sets the per-frame write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithHeader adds a handshake header.
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Header == nil {
			c.Header = http.Header{}
		}
		c.Header.Add(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
