// Package audioio provides microphone capture and agent audio playback.
//
// This package supports two backends:
//   - Command - external capture and playback processes fed through pipes
//     (arecord or sox for capture, ffplay or mpg123 for playback)
//   - Mock - CI/Testing without hardware
//
// The backend is selected automatically based on the tools installed,
// or can be explicitly specified via configuration.
package audioio

import (
	"errors"
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the command backend when its tools are installed.
	BackendAuto Backend = "auto"
	// BackendCommand uses external processes for audio I/O.
	BackendCommand Backend = "command"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// FrameRate is the sample rate of every frame handed to the capture gate.
const FrameRate = 16000

var (
	// ErrDeviceNotFound indicates the selected capture device is not present.
	ErrDeviceNotFound = errors.New("audioio: capture device not found")

	// ErrBackendUnavailable indicates the backend's tools are not installed.
	ErrBackendUnavailable = errors.New("audioio: backend unavailable")
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the rate the capture device is opened at, in Hz.
	// Frames are resampled to FrameRate when this differs.
	// Default: 16000
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of capture channels. Stereo is mixed down.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// FrameDuration is the length of one captured frame.
	// Default: 128ms (2048 samples at 16kHz)
	FrameDuration time.Duration `yaml:"frame_duration" json:"frame_duration"`

	// Device is the capture device identifier ("default", "hw:1,0", ...).
	// Empty selects the system default.
	Device string `yaml:"device" json:"device"`

	// CaptureCommand overrides the capture program ("arecord" or "sox").
	CaptureCommand string `yaml:"capture_command" json:"capture_command"`

	// PlaybackCommand overrides the playback program ("ffplay" or "mpg123").
	PlaybackCommand string `yaml:"playback_command" json:"playback_command"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendAuto,
		SampleRate:    FrameRate,
		Channels:      1,
		FrameDuration: 128 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendCommand, BackendMock:
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameDuration <= 0 {
		return fmt.Errorf("frame_duration must be positive, got %v", c.FrameDuration)
	}
	return nil
}

// FrameSize returns the number of device samples per frame and channel.
func (c *Config) FrameSize() int {
	return int(float64(c.SampleRate) * c.FrameDuration.Seconds())
}

// FrameBytes returns the size of one captured frame in bytes (PCM16).
func (c *Config) FrameBytes() int {
	return c.FrameSize() * c.Channels * 2
}
