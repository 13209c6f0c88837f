package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// Frames are pushed with Emit, or generated on a ticker when a sine wave
// is configured.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan Frame
	stopCh   chan struct{}
	startErr error

	// Stats
	framesRead atomic.Int64
	overruns   atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = manual Emit only
	amplitude float64 // 0.0 to 1.0
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave every frame.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithStartError makes Start fail, as a denied or missing microphone would.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger.With("component", "audioio.mock_source"),
		streamCh:  make(chan Frame, 16),
		stopCh:    make(chan struct{}),
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins delivering frames.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan Frame, 16)

	if m.frequency > 0 {
		go m.generateLoop(ctx, m.stopCh)
	}

	m.logger.Debug("mock audio source started", "frequency", m.frequency)
	return nil
}

// Emit delivers one frame. It reports false when the source is not running
// or the stream buffer is full.
func (m *MockSource) Emit(f Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return false
	}
	select {
	case m.streamCh <- f:
		m.framesRead.Add(1)
		return true
	default:
		m.overruns.Add(1)
		return false
	}
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !m.Emit(m.generateFrame()) {
				m.logger.Debug("mock source: buffer full, dropping frame")
			}
		}
	}
}

func (m *MockSource) generateFrame() Frame {
	size := FrameRate * int(m.cfg.FrameDuration.Milliseconds()) / 1000
	samples := make([]float32, size)
	for i := range samples {
		samples[i] = float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/FrameRate))
		m.phase++
		if m.phase >= FrameRate {
			m.phase = 0
		}
	}
	return Frame{Samples: samples, SampleRate: FrameRate}
}

// Stop halts frame delivery and closes the stream.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	close(m.stopCh)
	close(m.streamCh)

	m.logger.Debug("mock audio source stopped")
	return nil
}

// Stream returns the frame channel.
func (m *MockSource) Stream() <-chan Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCh
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Closed reports whether Close has been called.
func (m *MockSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		FramesRead: m.framesRead.Load(),
		Overruns:   m.overruns.Load(),
		Running:    running,
		Backend:    "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It records appended chunks and tracks how many appends overlap.
type MockSink struct {
	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	closed      bool
	manual      bool
	startErr    error
	appendErr   func(chunk []byte) error
	completeErr func(chunk []byte) error

	chunks         [][]byte
	pending        func(error)
	pendingChunk   []byte
	outstanding    int
	maxOutstanding int
	failures       int64
	bytes          int64
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithManualCompletion holds each append open until Complete is called.
func WithManualCompletion() MockSinkOption {
	return func(m *MockSink) {
		m.manual = true
	}
}

// WithAppendError makes Append fail synchronously when fn returns an error.
func WithAppendError(fn func(chunk []byte) error) MockSinkOption {
	return func(m *MockSink) {
		m.appendErr = fn
	}
}

// WithCompletionError makes the completion report fn's error.
func WithCompletionError(fn func(chunk []byte) error) MockSinkOption {
	return func(m *MockSink) {
		m.completeErr = fn
	}
}

// WithSinkStartError makes Start fail.
func WithSinkStartError(err error) MockSinkOption {
	return func(m *MockSink) {
		m.startErr = err
	}
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSink{
		logger: logger.With("component", "audioio.mock_sink"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}

	m.running = true
	m.logger.Debug("mock audio sink started")
	return nil
}

// Append records a chunk. In manual mode the completion waits for
// Complete; otherwise it fires on a new goroutine.
func (m *MockSink) Append(chunk []byte, done func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.running {
		return ErrSinkClosed
	}
	if m.outstanding > 0 {
		return ErrAppendBusy
	}
	if m.appendErr != nil {
		if err := m.appendErr(chunk); err != nil {
			m.failures++
			return err
		}
	}

	m.chunks = append(m.chunks, append([]byte(nil), chunk...))
	m.bytes += int64(len(chunk))
	m.outstanding++
	if m.outstanding > m.maxOutstanding {
		m.maxOutstanding = m.outstanding
	}

	if m.manual {
		m.pending = done
		m.pendingChunk = chunk
		return nil
	}

	err := m.completionErrLocked(chunk)
	m.outstanding--
	go done(err)
	return nil
}

func (m *MockSink) completionErrLocked(chunk []byte) error {
	if m.completeErr == nil {
		return nil
	}
	err := m.completeErr(chunk)
	if err != nil {
		m.failures++
	}
	return err
}

// Complete finishes the outstanding append in manual mode. The completion
// callback runs on the calling goroutine. It reports false when nothing
// was outstanding.
func (m *MockSink) Complete() bool {
	m.mu.Lock()
	done := m.pending
	if done == nil {
		m.mu.Unlock()
		return false
	}
	err := m.completionErrLocked(m.pendingChunk)
	m.pending = nil
	m.pendingChunk = nil
	m.outstanding--
	m.mu.Unlock()

	done(err)
	return true
}

// Chunks returns a copy of every accepted chunk in append order.
func (m *MockSink) Chunks() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.chunks))
	copy(out, m.chunks)
	return out
}

// Outstanding returns the number of appends not yet completed.
func (m *MockSink) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// MaxOutstanding returns the highest number of concurrent appends seen.
func (m *MockSink) MaxOutstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOutstanding
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.running = false
	m.pending = nil
	m.logger.Debug("mock audio sink closed")
	return nil
}

// Closed reports whether Close has been called.
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SinkStats{
		ChunksAppended: int64(len(m.chunks)),
		BytesAppended:  m.bytes,
		Failures:       m.failures,
		Running:        m.running,
		Backend:        "mock",
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
