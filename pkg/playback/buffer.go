// Package playback queues inbound agent audio and feeds it to a sink one
// chunk at a time, in arrival order.
//
// A Buffer is not safe for concurrent use. It is owned by the call event
// loop; sink completions are handed back to that loop through the notify
// function and applied with Complete.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-taara/pkg/audioio"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: buffer closed")

// SinkFactory creates the sink for a call. It is invoked on the first chunk.
type SinkFactory func(ctx context.Context) (audioio.Sink, error)

// Completion reports that the append with the given ID has finished.
type Completion struct {
	ID  uint64
	Err error
}

// Stats counts buffer activity.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Appended int64 `json:"appended"`
	Failed   int64 `json:"failed"`
	Queued   int   `json:"queued"`
}

// Buffer is the FIFO in front of the sink.
type Buffer struct {
	newSink SinkFactory
	notify  func(Completion)
	logger  *slog.Logger

	sink     audioio.Sink
	queue    [][]byte
	inflight uint64
	nextID   uint64
	closed   bool

	onAppended func()
	onFailed   func(error)

	stats Stats
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		b.logger = l
	}
}

// WithHooks registers callbacks for completed and failed appends.
func WithHooks(appended func(), failed func(error)) Option {
	return func(b *Buffer) {
		b.onAppended = appended
		b.onFailed = failed
	}
}

// New creates a Buffer. notify receives sink completions, possibly from
// another goroutine, and must arrange for Complete to be called on the
// owning goroutine.
func New(newSink SinkFactory, notify func(Completion), opts ...Option) *Buffer {
	b := &Buffer{
		newSink: newSink,
		notify:  notify,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "playback")
	return b
}

// Enqueue adds a chunk. The sink is created and started on the first chunk;
// if that fails the chunk is dropped and the error returned, and the next
// chunk retries.
func (b *Buffer) Enqueue(ctx context.Context, chunk []byte) error {
	if b.closed {
		return ErrClosed
	}
	if b.sink == nil {
		sink, err := b.newSink(ctx)
		if err != nil {
			return fmt.Errorf("playback: create sink: %w", err)
		}
		if err := sink.Start(ctx); err != nil {
			_ = sink.Close()
			return fmt.Errorf("playback: start sink: %w", err)
		}
		b.sink = sink
		b.logger.Debug("sink started", "backend", sink.Name())
	}

	b.stats.Enqueued++
	b.queue = append(b.queue, chunk)
	b.pump()
	return nil
}

// Complete applies a sink completion. Completions for anything other than
// the outstanding append are ignored.
func (b *Buffer) Complete(c Completion) {
	if b.closed || c.ID == 0 || c.ID != b.inflight {
		return
	}
	b.inflight = 0
	if c.Err != nil {
		b.fail(c.Err)
	} else {
		b.stats.Appended++
		if b.onAppended != nil {
			b.onAppended()
		}
	}
	b.pump()
}

// pump starts the next append if none is outstanding. Chunks the sink
// rejects outright are skipped.
func (b *Buffer) pump() {
	for b.inflight == 0 && len(b.queue) > 0 {
		chunk := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]

		b.nextID++
		id := b.nextID
		b.inflight = id

		notify := b.notify
		err := b.sink.Append(chunk, func(err error) {
			notify(Completion{ID: id, Err: err})
		})
		if err != nil {
			b.inflight = 0
			b.fail(err)
		}
	}
}

func (b *Buffer) fail(err error) {
	b.stats.Failed++
	b.logger.Warn("dropping audio chunk", "error", err)
	if b.onFailed != nil {
		b.onFailed(err)
	}
}

// Pending reports whether audio is queued or being appended.
func (b *Buffer) Pending() bool {
	return b.inflight != 0 || len(b.queue) > 0
}

// Outstanding reports whether an append is in flight.
func (b *Buffer) Outstanding() bool {
	return b.inflight != 0
}

// Len returns the number of queued chunks, excluding the one in flight.
func (b *Buffer) Len() int {
	return len(b.queue)
}

// Started reports whether the sink has been created.
func (b *Buffer) Started() bool {
	return b.sink != nil
}

// Stats returns buffer counters.
func (b *Buffer) Stats() Stats {
	s := b.stats
	s.Queued = len(b.queue)
	return s
}

// Close drops queued audio and closes the sink. It is safe to call more
// than once.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.queue = nil
	b.inflight = 0

	if b.sink == nil {
		return nil
	}
	err := b.sink.Close()
	b.sink = nil
	return err
}
