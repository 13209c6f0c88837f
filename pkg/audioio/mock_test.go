package audioio

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"
)

func TestMockSource_StartStop(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil)
	defer src.Close()

	ctx := context.Background()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Starting again should be a no-op
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stopping again should be a no-op
	if err := src.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}

	if _, ok := <-src.Stream(); ok {
		t.Error("Stream should be closed after Stop")
	}
}

func TestMockSource_Emit(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil)
	defer src.Close()

	frame := Frame{Samples: []float32{0.1, -0.1}, SampleRate: FrameRate}

	if src.Emit(frame) {
		t.Error("Emit before Start should report false")
	}

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !src.Emit(frame) {
		t.Fatal("Emit should succeed while running")
	}

	got := <-src.Stream()
	if len(got.Samples) != 2 || got.Samples[0] != 0.1 {
		t.Errorf("unexpected frame: %+v", got)
	}

	if stats := src.Stats(); stats.FramesRead != 1 || !stats.Running {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMockSource_SineWave(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil, WithSineWave(440, 0.5))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case frame := <-src.Stream():
		if len(frame.Samples) != 160 {
			t.Errorf("Expected 160 samples, got %d", len(frame.Samples))
		}
		if frame.Level() == 0 {
			t.Error("Sine wave frame should not be silent")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for generated frame")
	}
}

func TestMockSource_StartError(t *testing.T) {
	denied := errors.New("permission denied")
	src := NewMockSource(DefaultConfig(), nil, WithStartError(denied))

	if err := src.Start(context.Background()); !errors.Is(err, denied) {
		t.Errorf("expected start error, got %v", err)
	}
}

func TestMockSource_Close(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if err := src.Start(context.Background()); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Start after Close should fail, got %v", err)
	}
	if !src.Closed() {
		t.Error("Closed should report true")
	}
}

func TestMockSink_Append(t *testing.T) {
	t.Run("auto completion", func(t *testing.T) {
		sink := NewMockSink(nil)
		if err := sink.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		done := make(chan error, 1)
		if err := sink.Append([]byte{1, 2, 3}, func(err error) { done <- err }); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected completion error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("completion never fired")
		}

		if stats := sink.Stats(); stats.ChunksAppended != 1 || stats.BytesAppended != 3 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("manual completion rejects overlap", func(t *testing.T) {
		sink := NewMockSink(nil, WithManualCompletion())
		_ = sink.Start(context.Background())

		var completed int
		if err := sink.Append([]byte{1}, func(error) { completed++ }); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := sink.Append([]byte{2}, func(error) {}); !errors.Is(err, ErrAppendBusy) {
			t.Errorf("expected ErrAppendBusy, got %v", err)
		}
		if sink.Outstanding() != 1 {
			t.Errorf("expected 1 outstanding, got %d", sink.Outstanding())
		}
		if !sink.Complete() {
			t.Fatal("Complete should report true")
		}
		if completed != 1 {
			t.Errorf("expected 1 completion, got %d", completed)
		}
		if sink.Complete() {
			t.Error("Complete with nothing outstanding should report false")
		}
	})

	t.Run("not running", func(t *testing.T) {
		sink := NewMockSink(nil)
		if err := sink.Append([]byte{1}, func(error) {}); !errors.Is(err, ErrSinkClosed) {
			t.Errorf("expected ErrSinkClosed, got %v", err)
		}
	})

	t.Run("synchronous failure", func(t *testing.T) {
		bad := errors.New("bad chunk")
		sink := NewMockSink(nil, WithAppendError(func(chunk []byte) error {
			if chunk[0] == 0xff {
				return bad
			}
			return nil
		}))
		_ = sink.Start(context.Background())

		if err := sink.Append([]byte{0xff}, func(error) {}); !errors.Is(err, bad) {
			t.Errorf("expected bad chunk error, got %v", err)
		}
		if sink.Stats().Failures != 1 {
			t.Errorf("expected 1 failure, got %d", sink.Stats().Failures)
		}
	})
}

func TestMockSink_Close(t *testing.T) {
	sink := NewMockSink(nil)
	_ = sink.Start(context.Background())

	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	if !sink.Closed() {
		t.Error("Closed should report true")
	}
	if err := sink.Start(context.Background()); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Start after Close should fail, got %v", err)
	}
}

func TestFrame_Level(t *testing.T) {
	f := Frame{Samples: []float32{0.5, -0.5, 0.25, -0.25}, SampleRate: FrameRate}
	if got := f.Level(); math.Abs(got-0.375) > 1e-9 {
		t.Errorf("expected level 0.375, got %v", got)
	}

	if (Frame{}).Level() != 0 {
		t.Error("empty frame should have zero level")
	}
}

func TestNewFrame(t *testing.T) {
	// 20ms of 48kHz stereo
	samples := make([]int16, 960*2)
	for i := range samples {
		samples[i] = 16384
	}

	f := NewFrame(samples, 48000, 2)
	if f.SampleRate != FrameRate {
		t.Errorf("expected rate %d, got %d", FrameRate, f.SampleRate)
	}
	if len(f.Samples) != 320 {
		t.Errorf("expected 320 samples, got %d", len(f.Samples))
	}
	if f.Samples[0] != 0.5 {
		t.Errorf("expected 0.5, got %v", f.Samples[0])
	}
}
