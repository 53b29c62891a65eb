// Package mfcc turns mono audio into a sequence of cepstral feature vectors.
//
// Per frame: pre-emphasis (whole clip), Hamming window, real FFT, power
// spectrum, 26 linear triangular filters, log compression, then a truncated
// DCT keeping 13 coefficients.
package mfcc

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/phonoscore/internal/audio"
)

// Config controls feature extraction parameters.
type Config struct {
	SampleRate  int     // expected input rate in Hz (default 16000)
	FrameSize   int     // frame and FFT length in samples (default 512)
	HopSize     int     // stride between frames (default 256)
	NumFilters  int     // filter bank size (default 26)
	NumCoeffs   int     // cepstral coefficients kept (default 13)
	PreEmphasis float64 // pre-emphasis coefficient (default 0.97)
}

// DefaultConfig returns the parameters scores are calibrated against.
func DefaultConfig() Config {
	return Config{
		SampleRate:  audio.SampleRate,
		FrameSize:   audio.FrameSize,
		HopSize:     audio.HopSize,
		NumFilters:  26,
		NumCoeffs:   13,
		PreEmphasis: audio.PreEmphasis,
	}
}

// Extractor computes feature sequences. The FFT plan, window, filter bank and
// DCT table are built once in New. Extract is serialised internally, so one
// Extractor may be shared.
type Extractor struct {
	cfg      Config
	window   []float64
	spectral *SpectralAnalyzer
	bank     *FilterBank
	dct      *DCT

	mu       sync.Mutex
	windowed []float64
	power    []float64
	energies []float64
	logE     []float64
}

// New creates an Extractor with the given config.
func New(cfg Config) *Extractor {
	return &Extractor{
		cfg:      cfg,
		window:   audio.HammingWindow(cfg.FrameSize),
		spectral: NewSpectralAnalyzer(cfg.FrameSize),
		bank:     NewFilterBank(cfg.NumFilters, cfg.FrameSize),
		dct:      NewDCT(cfg.NumCoeffs, cfg.NumFilters),
	}
}

// Config returns the extractor's parameters.
func (e *Extractor) Config() Config { return e.cfg }

// Extract returns one NumCoeffs-long vector per full frame of samples.
// Input shorter than one frame yields an empty sequence and no error. Any
// transform failure aborts the whole clip.
func (e *Extractor) Extract(samples []float32) ([][]float64, error) {
	emphasized := audio.PreEmphasize(samples, e.cfg.PreEmphasis)
	frames := audio.Frames(emphasized, e.cfg.FrameSize, e.cfg.HopSize)
	features := make([][]float64, 0, len(frames))
	if len(frames) == 0 {
		return features, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for t, frame := range frames {
		e.windowed = audio.ApplyWindow(e.windowed, frame, e.window)
		spectrum, err := e.spectral.Transform(e.windowed)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", t, err)
		}
		e.power = Power(e.power, spectrum)
		e.energies = e.bank.Aggregate(e.energies, e.power)
		e.logE = LogCompress(e.logE, e.energies)
		features = append(features, e.dct.Apply(e.logE))
	}
	return features, nil
}

// ExtractBuffer resamples b to the configured rate when needed, then extracts.
func (e *Extractor) ExtractBuffer(b *audio.Buffer, mode audio.ResampleMode) ([][]float64, error) {
	if b == nil {
		return [][]float64{}, nil
	}
	in, err := b.To(e.cfg.SampleRate, mode)
	if err != nil {
		return nil, err
	}
	return e.Extract(in.Samples)
}
