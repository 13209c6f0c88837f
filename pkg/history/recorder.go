package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder writes entries to a Store from its own goroutine so the call
// loop never waits on disk or network. When the buffer is full the entry
// is dropped.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	ch     chan Entry
	closed bool
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = l
	}
}

// WithBuffer sets the queue capacity (default 64).
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan Entry, n)
		}
	}
}

// NewRecorder starts a recorder in front of store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		ch:      make(chan Entry, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "history")
	go r.run()
	return r
}

// Record queues e. It reports false if the entry was dropped.
func (r *Recorder) Record(e Entry) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- e:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Recent reads from the underlying store.
func (r *Recorder) Recent(ctx context.Context, n int) ([]Entry, error) {
	return r.store.Recent(ctx, n)
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.store.Append(ctx, e)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("failed to record conversation entry", "error", err)
			continue
		}
		r.written.Add(1)
	}
}

// Close flushes queued entries and stops the writer. The store is left
// open.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

// RecorderStats counts recorder activity.
type RecorderStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
