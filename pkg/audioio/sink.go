package audioio

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrAppendBusy is returned when an append is already outstanding.
	ErrAppendBusy = errors.New("audioio: append already in progress")

	// ErrSinkClosed is returned when appending to a closed or unstarted sink.
	ErrSinkClosed = errors.New("audioio: sink is not running")
)

// Sink plays agent audio chunks. Chunks are opaque encoded audio.
//
// Append is asynchronous: it hands the chunk to the device and returns.
// done is called exactly once, from any goroutine, when the chunk has been
// consumed or has failed. A Sink rejects an Append while another one is
// still outstanding with ErrAppendBusy.
type Sink interface {
	// Start opens the output device and begins playback.
	Start(ctx context.Context) error

	// Append queues one chunk on the device.
	Append(chunk []byte, done func(error)) error

	// Name returns the backend name (e.g., "command", "mock").
	Name() string

	// Close stops playback and releases the device.
	// It is safe to call Close multiple times.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// ChunksAppended is the total number of chunks accepted.
	ChunksAppended int64 `json:"chunks_appended"`

	// BytesAppended is the total size of accepted chunks.
	BytesAppended int64 `json:"bytes_appended"`

	// Failures is the number of appends that failed.
	Failures int64 `json:"failures"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
