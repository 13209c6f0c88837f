package audioio

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// NewSource creates a new audio source with the given configuration.
// If cfg.Backend is BackendAuto, the command backend is used when a
// recorder is installed and the mock backend otherwise.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBackend(cfg.CaptureCommand, "arecord", "sox")
	}

	logger.Info("creating audio source",
		"backend", backend,
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendCommand:
		return newCommandSource(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewSink creates a new audio sink with the given configuration.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBackend(cfg.PlaybackCommand, "ffplay", "mpg123")
	}

	logger.Info("creating audio sink", "backend", backend)

	switch backend {
	case BackendMock:
		return NewMockSink(logger), nil
	case BackendCommand:
		return newCommandSink(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// CheckDevice verifies that the configured capture device is still present.
// An empty or "default" device always passes.
func CheckDevice(ctx context.Context, cfg Config) error {
	if cfg.Device == "" || cfg.Device == "default" {
		return nil
	}

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBackend(cfg.CaptureCommand, "arecord", "sox")
	}
	if backend == BackendMock {
		if cfg.Device == "mock" {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, cfg.Device)
	}

	devices, err := ListDevices(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(devices, cfg.Device) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, cfg.Device)
	}
	return nil
}

// detectBackend returns BackendCommand when one of the programs is installed.
func detectBackend(explicit string, candidates ...string) Backend {
	if _, err := lookupProgram(explicit, candidates...); err == nil {
		return BackendCommand
	}
	return BackendMock
}

// AvailableBackends returns the list of backends available on this machine.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if detectBackend("", "arecord", "sox") == BackendCommand {
		backends = append(backends, BackendCommand)
	}
	return backends
}
