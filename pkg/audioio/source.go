package audioio

import (
	"context"
	"io"
	"math"
)

// Frame is a fixed-duration block of mono float32 samples in [-1, 1].
type Frame struct {
	// Samples at SampleRate.
	Samples []float32

	// SampleRate is normally FrameRate.
	SampleRate int
}

// Level returns the mean absolute sample value.
func (f Frame) Level() float64 {
	if len(f.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(f.Samples))
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start begins audio capture.
	// After calling Start, frames are delivered on Stream.
	Start(ctx context.Context) error

	// Stop halts audio capture.
	// It is safe to call Stop multiple times.
	Stop() error

	// Stream returns a channel that receives frames.
	// The channel is closed when the source is stopped.
	Stream() <-chan Frame

	// Name returns the backend name (e.g., "command", "mock").
	Name() string

	// Close releases the device. After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// FramesRead is the total number of frames delivered.
	FramesRead int64 `json:"frames_read"`

	// Overruns is the number of frames dropped because nobody was reading.
	Overruns int64 `json:"overruns"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
