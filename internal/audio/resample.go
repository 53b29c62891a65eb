package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ResampleMode selects the sample-rate conversion algorithm.
type ResampleMode string

const (
	// ResampleNearest picks the nearest earlier source sample. Cheap and
	// matches how recordings were scored historically.
	ResampleNearest ResampleMode = "nearest"

	// ResampleHQ runs a polyphase low-pass resampler.
	ResampleHQ ResampleMode = "hq"
)

// Resample converts samples from one rate to another by nearest-index
// selection: out[i] = in[floor(i*from/to)].
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		src := int(float64(i) * ratio)
		if src >= len(samples) {
			break
		}
		out = append(out, samples[src])
	}
	return out
}

// ResampleBandLimited converts samples with a high-quality band-limited resampler.
func ResampleBandLimited(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(max(-1, min(1, s)))
	}
	return out, nil
}

// To converts b to the target rate with the given mode. A buffer already at
// the target rate is returned unchanged.
func (b *Buffer) To(rate int, mode ResampleMode) (*Buffer, error) {
	if b.SampleRate == rate {
		return b, nil
	}
	switch mode {
	case ResampleHQ:
		out, err := ResampleBandLimited(b.Samples, b.SampleRate, rate)
		if err != nil {
			return nil, err
		}
		return &Buffer{Samples: out, SampleRate: rate}, nil
	case ResampleNearest, "":
		return &Buffer{Samples: Resample(b.Samples, b.SampleRate, rate), SampleRate: rate}, nil
	default:
		return nil, fmt.Errorf("audio: unknown resample mode %q", mode)
	}
}

// To16k is To(SampleRate, mode).
func (b *Buffer) To16k(mode ResampleMode) (*Buffer, error) {
	return b.To(SampleRate, mode)
}
