// Package audio holds the signal front end of the scoring pipeline: mono
// sample buffers, pre-emphasis, fixed-size framing, Hamming windowing, the
// 16-bit PCM WAV codec and sample-rate conversion.
//
// Default parameters:
//
//	SampleRate:  16000
//	FrameSize:   512
//	HopSize:     256
//	PreEmphasis: 0.97
package audio

import "math"

const (
	SampleRate  = 16000
	FrameSize   = 512
	HopSize     = 256
	PreEmphasis = 0.97
)

// Buffer is a single-channel run of samples at a fixed rate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// PreEmphasize applies y[0] = x[0], y[n] = x[n] - alpha*x[n-1].
func PreEmphasize(samples []float32, alpha float64) []float64 {
	out := make([]float64, len(samples))
	if len(samples) == 0 {
		return out
	}
	out[0] = float64(samples[0])
	for i := 1; i < len(samples); i++ {
		out[i] = float64(samples[i]) - alpha*float64(samples[i-1])
	}
	return out
}

// Frames slices samples into frames of length size starting every hop
// samples. A frame is emitted only while a full frame remains; the tail is
// dropped. The returned frames alias samples.
func Frames(samples []float64, size, hop int) [][]float64 {
	if size <= 0 || hop <= 0 || len(samples) < size {
		return nil
	}
	frames := make([][]float64, 0, (len(samples)-size)/hop+1)
	for start := 0; start+size <= len(samples); start += hop {
		frames = append(frames, samples[start:start+size:start+size])
	}
	return frames
}

// HammingWindow returns w[i] = 0.54 - 0.46*cos(2*pi*i/(n-1)).
func HammingWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// ApplyWindow writes frame[i]*window[i] into dst and returns it. dst is
// allocated when it is too short.
func ApplyWindow(dst, frame, window []float64) []float64 {
	n := min(len(frame), len(window))
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = frame[i] * window[i]
	}
	return dst
}
