// taara: voice call client for Taara agents.
//
// Usage:
//
//	taara -config taara.yaml -agent Taara -dashboard 127.0.0.1:8080
//
// Type /call to dial, talk, and /mute to switch to typed messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-taara/internal/config"
	"github.com/teslashibe/go-taara/internal/log"
	"github.com/teslashibe/go-taara/internal/observe"
	"github.com/teslashibe/go-taara/pkg/auth"
	"github.com/teslashibe/go-taara/pkg/call"
	"github.com/teslashibe/go-taara/pkg/history"
	"github.com/teslashibe/go-taara/pkg/prefs"
	"github.com/teslashibe/go-taara/pkg/transport"
	"github.com/teslashibe/go-taara/pkg/web"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Path to a YAML config file")
	agent      = flag.String("agent", "", "Agent to call (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	dashboard  = flag.String("dashboard", "", "Serve the dashboard on this address")
)

func main() {
	flag.Parse()
	if err := run(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		fmt.Fprintln(os.Stderr, "taara:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *agent != "" {
		cfg.Agent = *agent
	}
	if *dashboard != "" {
		cfg.Dashboard.Enabled = true
		cfg.Dashboard.Addr = *dashboard
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics := observe.DefaultMetrics()

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	dialer, err := transport.NewWebSocketDialer(
		transport.WithURL(cfg.URL),
		transport.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	store, redisStore, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	recorder := history.NewRecorder(store, history.WithRecorderLogger(logger))
	defer recorder.Close()

	prefsPath := cfg.PrefsPath
	if prefsPath == "" {
		if prefsPath, err = prefs.DefaultPath(); err != nil {
			logger.Warn("no preferences directory", "error", err)
		}
	}

	term := newREPL(os.Stdin, os.Stdout)
	var srv *web.Server

	callCfg := call.DefaultConfig()
	callCfg.Agent = cfg.Agent
	callCfg.Audio = cfg.Audio
	opts := []call.Option{
		call.WithConfig(callCfg),
		call.WithDialer(dialer),
		call.WithSessionProvider(provider),
		call.WithHistory(recorder),
		call.WithMetrics(metrics),
		call.WithLogger(logger),
		call.WithObserver(term.Observe),
		call.WithObserver(func(ev call.Event) {
			if srv != nil {
				srv.Observe(ev)
			}
		}),
	}
	if prefsPath != "" {
		opts = append(opts, call.WithPreferences(prefs.Open(prefsPath)))
	}
	client, err := call.New(opts...)
	if err != nil {
		return err
	}

	if cfg.Dashboard.Enabled {
		webOpts := []web.Option{
			web.WithAddr(cfg.Dashboard.Addr),
			web.WithHistory(recorder),
			web.WithMetrics(metrics),
			web.WithLogger(logger),
		}
		if redisStore != nil {
			webOpts = append(webOpts, web.WithReadiness("redis", redisStore.Ping))
		}
		srv = web.NewServer(client, webOpts...)
	}

	fmt.Fprintf(os.Stdout, "Taara v%s. Calling %s at %s. Type /call to start, /quit to exit.\n",
		version, cfg.Agent, cfg.URL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(ctx)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}
	g.Go(func() error {
		return term.Run(ctx, client)
	})
	return g.Wait()
}

// newProvider picks OAuth when configured, then a bearer token, then the
// shared password.
func newProvider(cfg *config.Config, logger *slog.Logger) (auth.Provider, error) {
	if cfg.Auth.OAuth.Enabled() {
		o := cfg.Auth.OAuth
		return auth.NewOAuth(auth.OAuthConfig{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			RevokeURL:    o.RevokeURL,
			RefreshToken: o.RefreshToken,
			Scopes:       o.Scopes,
			Subject:      o.Subject,
			Logger:       logger,
		})
	}
	if cfg.Auth.Token != "" {
		return auth.NewStaticToken(cfg.Auth.Token, ""), nil
	}
	return auth.NewStatic(cfg.Auth.Password, ""), nil
}

// openHistory returns the CSV store, fanned out to Redis when configured.
// The Redis store is also returned for the readiness check.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, *history.RedisStore, error) {
	csv, err := history.NewCSVStore(cfg.History.Dir)
	if err != nil {
		return nil, nil, err
	}
	if cfg.History.RedisURL == "" {
		return csv, nil, nil
	}
	rs, err := history.OpenRedis(ctx, cfg.History.RedisURL, history.WithTTL(cfg.History.TTL))
	if err != nil {
		_ = csv.Close()
		return nil, nil, fmt.Errorf("history: %w", err)
	}
	return history.Multi{csv, rs}, rs, nil
}
