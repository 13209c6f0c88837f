// taara-loopback: development agent speaking the Taara call protocol.
// It echoes typed text and answers detected speech, so the client can be
// exercised without speech services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-taara/internal/config"
	"github.com/teslashibe/go-taara/internal/log"
	"github.com/teslashibe/go-taara/pkg/loopback"
)

var (
	addr  = flag.String("addr", "", "Listen address (overrides LOOPBACK_ADDR)")
	debug = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "taara-loopback:", err)
		os.Exit(1)
	}
}

func run() error {
	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.L()

	cfg := config.LoopbackFromEnv()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if cfg.Password == "" {
		logger.Warn("APP_PASSWORD is not set, accepting any password")
	}

	var opts []loopback.Option
	if cfg.VoiceFile != "" {
		voice, err := loopback.NewFileVoice(cfg.VoiceFile, loopback.DefaultVoiceChunk)
		if err != nil {
			return err
		}
		opts = append(opts, loopback.WithVoice(voice))
	}
	srv := loopback.New(loopback.Config{
		Password: cfg.Password,
		Logger:   logger,
	}, opts...)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	return g.Wait()
}
