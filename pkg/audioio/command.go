package audioio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// CommandSource captures PCM16 from an external recorder's stdout.
type CommandSource struct {
	cfg     Config
	logger  *slog.Logger
	program string

	mu       sync.Mutex
	running  bool
	closed   bool
	cmd      *exec.Cmd
	streamCh chan Frame
	done     chan struct{}

	framesRead atomic.Int64
	overruns   atomic.Int64
}

func newCommandSource(cfg Config, logger *slog.Logger) (*CommandSource, error) {
	program, err := lookupProgram(cfg.CaptureCommand, "arecord", "sox")
	if err != nil {
		return nil, err
	}
	return &CommandSource{
		cfg:      cfg,
		logger:   logger.With("component", "audioio.command_source", "program", program),
		program:  program,
		streamCh: make(chan Frame, 16),
	}, nil
}

func (s *CommandSource) args() []string {
	rate := strconv.Itoa(s.cfg.SampleRate)
	channels := strconv.Itoa(s.cfg.Channels)
	device := s.cfg.Device
	if device == "" {
		device = "default"
	}

	if strings.HasSuffix(s.program, "sox") {
		input := []string{"-d"}
		if device != "default" {
			input = []string{"-t", "alsa", device}
		}
		return append([]string{"-q"}, append(input,
			"-t", "raw", "-r", rate, "-e", "signed", "-b", "16", "-c", channels, "-")...)
	}
	return []string{"-q", "-D", device, "-f", "S16_LE", "-r", rate, "-c", channels, "-t", "raw"}
}

// Start launches the recorder and begins delivering frames.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	cmd := exec.Command(s.program, s.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audioio: capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audioio: start %s: %w", s.program, err)
	}

	s.cmd = cmd
	s.running = true
	s.streamCh = make(chan Frame, 16)
	s.done = make(chan struct{})

	go s.readLoop(ctx, stdout, s.streamCh, s.done)

	s.logger.Info("audio capture started",
		"device", s.cfg.Device,
		"sample_rate", s.cfg.SampleRate,
		"frame_ms", s.cfg.FrameDuration.Milliseconds(),
	)
	return nil
}

func (s *CommandSource) readLoop(ctx context.Context, r io.Reader, out chan Frame, done chan struct{}) {
	defer close(done)
	defer close(out)

	buf := make([]byte, s.cfg.FrameBytes())
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("capture read failed", "error", err)
			}
			return
		}
		frame := NewFrame(BytesToSamples(buf), s.cfg.SampleRate, s.cfg.Channels)
		select {
		case out <- frame:
			s.framesRead.Add(1)
		default:
			s.overruns.Add(1)
		}
	}
}

// Stop kills the recorder and waits for the stream to close.
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	_ = cmd.Wait()

	s.logger.Info("audio capture stopped")
	return nil
}

// Stream returns the frame channel.
func (s *CommandSource) Stream() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

// Name returns "command".
func (s *CommandSource) Name() string {
	return string(BackendCommand)
}

// Close releases the device.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns source statistics.
func (s *CommandSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		FramesRead: s.framesRead.Load(),
		Overruns:   s.overruns.Load(),
		Running:    running,
		Backend:    string(BackendCommand),
	}
}

var _ SourceWithStats = (*CommandSource)(nil)

// CommandSink streams encoded chunks into an external player's stdin.
// A write that blocks because the player is behind holds the append open,
// which is what paces the playback buffer.
type CommandSink struct {
	logger  *slog.Logger
	program string

	mu      sync.Mutex
	running bool
	closed  bool
	busy    bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	chunks   atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
}

func newCommandSink(cfg Config, logger *slog.Logger) (*CommandSink, error) {
	program, err := lookupProgram(cfg.PlaybackCommand, "ffplay", "mpg123")
	if err != nil {
		return nil, err
	}
	return &CommandSink{
		logger:  logger.With("component", "audioio.command_sink", "program", program),
		program: program,
	}, nil
}

func (s *CommandSink) args() []string {
	if strings.HasSuffix(s.program, "mpg123") {
		return []string{"-q", "-"}
	}
	return []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0"}
}

// Start launches the player.
func (s *CommandSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	cmd := exec.Command(s.program, s.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("audioio: playback pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audioio: start %s: %w", s.program, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.running = true
	s.logger.Info("audio playback started")
	return nil
}

// Append writes the chunk to the player on its own goroutine.
func (s *CommandSink) Append(chunk []byte, done func(error)) error {
	s.mu.Lock()
	if s.closed || !s.running {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if s.busy {
		s.mu.Unlock()
		return ErrAppendBusy
	}
	s.busy = true
	stdin := s.stdin
	s.mu.Unlock()

	go func() {
		_, err := stdin.Write(chunk)
		if err != nil {
			s.failures.Add(1)
		} else {
			s.chunks.Add(1)
			s.bytes.Add(int64(len(chunk)))
		}
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		done(err)
	}()
	return nil
}

// Name returns "command".
func (s *CommandSink) Name() string {
	return string(BackendCommand)
}

// Close stops playback immediately.
func (s *CommandSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasRunning := s.running
	s.running = false
	cmd, stdin := s.cmd, s.stdin
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()

	s.logger.Info("audio playback stopped")
	return nil
}

// Stats returns sink statistics.
func (s *CommandSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SinkStats{
		ChunksAppended: s.chunks.Load(),
		BytesAppended:  s.bytes.Load(),
		Failures:       s.failures.Load(),
		Running:        running,
		Backend:        string(BackendCommand),
	}
}

var _ SinkWithStats = (*CommandSink)(nil)

// lookupProgram returns the explicit program or the first candidate found on PATH.
func lookupProgram(explicit string, candidates ...string) (string, error) {
	if explicit != "" {
		candidates = []string{explicit}
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s found", ErrBackendUnavailable, strings.Join(candidates, ", "))
}

// ListDevices returns the capture devices reported by "arecord -L".
func ListDevices(ctx context.Context) ([]string, error) {
	path, err := lookupProgram("", "arecord")
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, path, "-L").Output()
	if err != nil {
		return nil, fmt.Errorf("audioio: list devices: %w", err)
	}
	return parseDeviceList(string(out)), nil
}

// parseDeviceList extracts device names: unindented lines of arecord -L output.
func parseDeviceList(output string) []string {
	var devices []string
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		devices = append(devices, strings.TrimSpace(line))
	}
	return devices
}
