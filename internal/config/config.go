// Package config loads go-taara settings.
//
// Load layers its sources in order: built-in defaults, a .env file in the
// working directory (if present), an optional YAML file, then environment
// variables. The result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-taara/pkg/audioio"
)

// Default values.
const (
	DefaultURL           = "ws://127.0.0.1:8000/ws"
	DefaultAgent         = "Taara"
	DefaultDashboardAddr = "127.0.0.1:8080"
	DefaultHistoryDir    = "logs"
	DefaultLoopbackAddr  = ":8000"
)

// Config is the client configuration.
type Config struct {
	// URL is the agent endpoint.
	URL string `yaml:"url"`

	// Agent is called when none is named.
	Agent string `yaml:"agent"`

	LogLevel string `yaml:"log_level"`

	Auth      AuthConfig      `yaml:"auth"`
	Audio     audioio.Config  `yaml:"audio"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	History   HistoryConfig   `yaml:"history"`

	// PrefsPath overrides the preferences file location.
	PrefsPath string `yaml:"prefs_path"`
}

// AuthConfig selects the credential presented to the agent. Password wins
// over Token, and Token over OAuth.
type AuthConfig struct {
	Password string      `yaml:"password"`
	Token    string      `yaml:"token"`
	OAuth    OAuthConfig `yaml:"oauth"`
}

// OAuthConfig holds the refresh-token flow settings.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	RevokeURL    string   `yaml:"revoke_url"`
	RefreshToken string   `yaml:"refresh_token"`
	Scopes       []string `yaml:"scopes"`
	Subject      string   `yaml:"subject"`
}

// Enabled reports whether OAuth is configured.
func (c OAuthConfig) Enabled() bool {
	return c.ClientID != ""
}

// DashboardConfig configures the local HTTP dashboard.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HistoryConfig configures the conversation log.
type HistoryConfig struct {
	// Dir holds the daily CSV files. Empty disables them.
	Dir string `yaml:"dir"`

	// RedisURL mirrors entries to Redis when set.
	RedisURL string `yaml:"redis_url"`

	// TTL is how long Redis keeps a day of entries. Default: 7 days.
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		URL:      DefaultURL,
		Agent:    DefaultAgent,
		LogLevel: "info",
		Audio:    audioio.DefaultConfig(),
		Dashboard: DashboardConfig{
			Addr: DefaultDashboardAddr,
		},
		History: HistoryConfig{
			Dir: DefaultHistoryDir,
			TTL: 7 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.URL, "TAARA_URL")
	setString(&c.Agent, "TAARA_AGENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Auth.Password, "APP_PASSWORD")
	setString(&c.Auth.Token, "TAARA_TOKEN")
	setString(&c.Auth.OAuth.ClientID, "TAARA_OAUTH_CLIENT_ID")
	setString(&c.Auth.OAuth.ClientSecret, "TAARA_OAUTH_CLIENT_SECRET")
	setString(&c.Auth.OAuth.TokenURL, "TAARA_OAUTH_TOKEN_URL")
	setString(&c.Auth.OAuth.RevokeURL, "TAARA_OAUTH_REVOKE_URL")
	setString(&c.Auth.OAuth.RefreshToken, "TAARA_OAUTH_REFRESH_TOKEN")
	setString(&c.Auth.OAuth.Subject, "TAARA_OAUTH_SUBJECT")
	if v := os.Getenv("TAARA_OAUTH_SCOPES"); v != "" {
		c.Auth.OAuth.Scopes = splitList(v)
	}
	if v := os.Getenv("TAARA_AUDIO_BACKEND"); v != "" {
		c.Audio.Backend = audioio.Backend(v)
	}
	setString(&c.Audio.Device, "TAARA_CAPTURE_DEVICE")
	if v := os.Getenv("TAARA_DASHBOARD_ADDR"); v != "" {
		c.Dashboard.Addr = v
		c.Dashboard.Enabled = true
	}
	setString(&c.History.Dir, "TAARA_HISTORY_DIR")
	setString(&c.History.RedisURL, "REDIS_URL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if !hasScheme(c.URL, "ws://", "wss://", "http://", "https://") {
		errs = append(errs, fmt.Errorf("url %q must use ws, wss, http or https", c.URL))
	}
	if c.Agent == "" {
		errs = append(errs, errors.New("agent is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	if err := c.Audio.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if o := c.Auth.OAuth; o.Enabled() && o.TokenURL == "" {
		errs = append(errs, errors.New("auth.oauth.token_url is required with a client_id"))
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		errs = append(errs, errors.New("dashboard.addr is required when the dashboard is enabled"))
	}
	if c.History.TTL < 0 {
		errs = append(errs, fmt.Errorf("history.ttl must not be negative, got %v", c.History.TTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func hasScheme(u string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(u, s) {
			return true
		}
	}
	return false
}

// Loopback configures the development agent server.
type Loopback struct {
	Addr      string
	Password  string
	VoiceFile string
}

// LoopbackFromEnv reads LOOPBACK_ADDR, APP_PASSWORD and LOOPBACK_VOICE_FILE,
// after loading a .env file if present.
func LoopbackFromEnv() Loopback {
	_ = godotenv.Load()

	lb := Loopback{Addr: DefaultLoopbackAddr}
	setString(&lb.Addr, "LOOPBACK_ADDR")
	setString(&lb.Password, "APP_PASSWORD")
	setString(&lb.VoiceFile, "LOOPBACK_VOICE_FILE")
	if lb.Addr == "" {
		lb.Addr = DefaultLoopbackAddr
	}
	return lb
}
