package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/teslashibe/go-taara/internal/httpc"
)

// OAuthConfig configures the OAuth provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	// RevokeURL, if set, receives the refresh token on SignOut (RFC 7009).
	RevokeURL string

	RefreshToken string
	Scopes       []string

	// Subject is reported in sessions, e.g. the account email.
	Subject string

	// HTTPClient defaults to httpc.Client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Validate checks the configuration for required fields.
func (c *OAuthConfig) Validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("auth: oauth client ID is required"))
	}
	if c.TokenURL == "" {
		errs = append(errs, errors.New("auth: oauth token URL is required"))
	}
	return errors.Join(errs...)
}

// OAuth refreshes bearer tokens with a refresh token.
type OAuth struct {
	cfg    OAuthConfig
	conf   *oauth2.Config
	client *http.Client
	logger *slog.Logger

	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewOAuth creates the provider. Without a refresh token it starts signed
// out.
func NewOAuth(cfg OAuthConfig) (*OAuth, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpc.Client
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &OAuth{
		cfg: cfg,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			Scopes:       cfg.Scopes,
		},
		client: client,
		logger: logger.With("component", "auth"),
	}
	if cfg.RefreshToken != "" {
		o.src = o.tokenSource(cfg.RefreshToken)
	}
	return o, nil
}

func (o *OAuth) tokenSource(refresh string) oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.client)
	return oauth2.ReuseTokenSource(nil, o.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}))
}

// CurrentSession implements Provider. The access token is refreshed when it
// has expired.
func (o *OAuth) CurrentSession(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	src := o.src
	o.mu.Unlock()
	if src == nil {
		return nil, ErrNoSession
	}

	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			o.logger.Warn("refresh token rejected, signing out")
			o.clear()
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("auth: refresh token: %w", err)
	}
	return &Session{
		Token:   tok.AccessToken,
		Kind:    KindBearer,
		Subject: o.cfg.Subject,
		Expiry:  tok.Expiry,
	}, nil
}

// SignOut implements Provider. The refresh token is revoked when a
// revocation endpoint is configured; the local session is dropped either
// way.
func (o *OAuth) SignOut(ctx context.Context) error {
	o.mu.Lock()
	had := o.src != nil
	o.mu.Unlock()
	o.clear()

	if !had || o.cfg.RevokeURL == "" || o.cfg.RefreshToken == "" {
		return nil
	}
	err := httpc.PostForm(ctx, o.client, o.cfg.RevokeURL, url.Values{
		"token":           {o.cfg.RefreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {o.cfg.ClientID},
	})
	if err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	o.logger.Info("signed out")
	return nil
}

func (o *OAuth) clear() {
	o.mu.Lock()
	o.src = nil
	o.mu.Unlock()
}
