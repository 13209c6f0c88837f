// Package auth supplies the credential used to open a call.
//
// A Provider is consulted once per call. Static serves a shared password;
// OAuth serves bearer tokens refreshed from a long-lived refresh token.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind says how a session credential is presented.
type Kind string

const (
	KindPassword Kind = "password"
	KindBearer   Kind = "bearer"
)

// ErrNoSession is returned when the user is not signed in.
var ErrNoSession = errors.New("auth: no session")

// Session is the current identity.
type Session struct {
	Token   string
	Kind    Kind
	Subject string
	Expiry  time.Time
}

// Provider yields the current session.
type Provider interface {
	// CurrentSession returns the session or ErrNoSession.
	CurrentSession(ctx context.Context) (*Session, error)

	// SignOut forgets the session.
	SignOut(ctx context.Context) error
}

// Static serves a fixed shared password or token.
type Static struct {
	mu      sync.RWMutex
	secret  string
	subject string
	kind    Kind
}

// NewStatic creates a provider for secret. An empty secret means signed out.
func NewStatic(secret, subject string) *Static {
	return &Static{secret: secret, subject: subject, kind: KindPassword}
}

// NewStaticToken creates a provider that presents token as a bearer
// credential.
func NewStaticToken(token, subject string) *Static {
	return &Static{secret: token, subject: subject, kind: KindBearer}
}

// CurrentSession implements Provider.
func (s *Static) CurrentSession(context.Context) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == "" {
		return nil, ErrNoSession
	}
	return &Session{Token: s.secret, Kind: s.kind, Subject: s.subject}, nil
}

// SignOut implements Provider.
func (s *Static) SignOut(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = ""
	return nil
}
