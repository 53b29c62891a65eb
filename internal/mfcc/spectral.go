package mfcc

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrFrameLength is returned when a frame does not match the FFT plan size.
var ErrFrameLength = errors.New("mfcc: frame length does not match transform size")

// SpectralAnalyzer runs a real forward FFT of a fixed size. The plan and the
// coefficient buffer are allocated once and reused; not safe for concurrent use.
type SpectralAnalyzer struct {
	size   int
	fft    *fourier.FFT
	coeffs []complex128
}

// NewSpectralAnalyzer plans an FFT of length size.
func NewSpectralAnalyzer(size int) *SpectralAnalyzer {
	return &SpectralAnalyzer{
		size:   size,
		fft:    fourier.NewFFT(size),
		coeffs: make([]complex128, size/2+1),
	}
}

// Size returns the transform length.
func (s *SpectralAnalyzer) Size() int { return s.size }

// Bins returns the number of spectrum bins, size/2+1.
func (s *SpectralAnalyzer) Bins() int { return s.size/2 + 1 }

// Transform returns the size/2+1 positive-frequency bins of frame. The
// returned slice is overwritten by the next call.
func (s *SpectralAnalyzer) Transform(frame []float64) ([]complex128, error) {
	if len(frame) != s.size || s.size == 0 {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFrameLength, len(frame), s.size)
	}
	return s.fft.Coefficients(s.coeffs, frame), nil
}

// Power writes |X[k]|^2 for every bin into dst and returns it.
func Power(dst []float64, spectrum []complex128) []float64 {
	if cap(dst) < len(spectrum) {
		dst = make([]float64, len(spectrum))
	}
	dst = dst[:len(spectrum)]
	for k, c := range spectrum {
		re, im := real(c), imag(c)
		dst[k] = re*re + im*im
	}
	return dst
}
