package audioio

// NewFrame converts interleaved PCM16 device samples into a mono FrameRate
// frame.
func NewFrame(samples []int16, sampleRate, channels int) Frame {
	mono := Downmix(PCM16ToFloat32(samples), channels)
	return Frame{
		Samples:    Resample(mono, sampleRate, FrameRate),
		SampleRate: FrameRate,
	}
}

// Resample converts mono audio between sample rates by linear
// interpolation. That is good enough for speech headed to a recognizer.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + frac*(samples[idx+1]-samples[idx])
	}
	return out
}

// Downmix averages interleaved channels into mono. A trailing partial
// sample group is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	mono := make([]float32, len(samples)/channels)
	for i := range mono {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += s
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// PCM16ToFloat32 scales int16 samples into [-1, 1].
func PCM16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
