package loopback

import (
	"math"
	"time"
)

// DetectorConfig tunes utterance detection.
type DetectorConfig struct {
	// SampleRate of the incoming audio. Default: 16000.
	SampleRate int

	// Window is the number of samples evaluated at a time. Default: 512.
	Window int

	// Threshold is the RMS level that counts as speech. Default: 0.02.
	Threshold float64

	// Silence ends an utterance. Default: 0.8s.
	Silence time.Duration

	// MinSpeech discards shorter utterances. Default: 200ms.
	MinSpeech time.Duration
}

// DefaultDetectorConfig returns the default detector settings.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SampleRate: 16000,
		Window:     512,
		Threshold:  0.02,
		Silence:    800 * time.Millisecond,
		MinSpeech:  200 * time.Millisecond,
	}
}

// Utterance is one detected stretch of speech.
type Utterance struct {
	Samples []float32

	// Speech is the voiced duration, excluding trailing silence.
	Speech time.Duration
}

// Detector finds utterances in a stream of samples by energy. Time is
// measured in samples, so results do not depend on arrival timing. It is
// not safe for concurrent use.
type Detector struct {
	cfg DetectorConfig

	pending []float32

	speaking bool
	voiced   int // samples up to the last loud window
	silent   int // samples since the last loud window
	buf      []float32
}

// NewDetector creates a Detector. Zero fields take defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.MinSpeech < 0 {
		cfg.MinSpeech = 0
	}
	return &Detector{cfg: cfg}
}

// Speaking reports whether an utterance is in progress.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Push feeds samples and returns any utterances they complete.
func (d *Detector) Push(samples []float32) []Utterance {
	d.pending = append(d.pending, samples...)

	var out []Utterance
	w := d.cfg.Window
	for len(d.pending) >= w {
		window := d.pending[:w]
		if u, ok := d.step(window); ok {
			out = append(out, u)
		}
		d.pending = d.pending[w:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return out
}

func (d *Detector) step(window []float32) (Utterance, bool) {
	loud := rms(window) >= d.cfg.Threshold

	if !d.speaking {
		if !loud {
			return Utterance{}, false
		}
		d.speaking = true
		d.buf = d.buf[:0]
		d.voiced = 0
		d.silent = 0
	}

	d.buf = append(d.buf, window...)
	if loud {
		d.voiced += d.silent + len(window)
		d.silent = 0
		return Utterance{}, false
	}

	d.silent += len(window)
	if d.samplesToDuration(d.silent) < d.cfg.Silence {
		return Utterance{}, false
	}

	d.speaking = false
	speech := d.samplesToDuration(d.voiced)
	if speech < d.cfg.MinSpeech {
		return Utterance{}, false
	}
	u := Utterance{
		Samples: append([]float32(nil), d.buf[:d.voiced]...),
		Speech:  speech,
	}
	return u, true
}

// Reset drops any partial utterance.
func (d *Detector) Reset() {
	d.pending = nil
	d.buf = d.buf[:0]
	d.speaking = false
	d.voiced = 0
	d.silent = 0
}

func (d *Detector) samplesToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(d.cfg.SampleRate)
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
