package mfcc

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/ChuLiYu/phonoscore/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpectralAnalyzerDC(t *testing.T) {
	s := NewSpectralAnalyzer(8)
	assert.Equal(t, 5, s.Bins())

	spectrum, err := s.Transform([]float64{1, 1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	require.Len(t, spectrum, 5)
	assert.InDelta(t, 8.0, real(spectrum[0]), 1e-9)
	for k := 1; k < len(spectrum); k++ {
		assert.InDelta(t, 0.0, cmplx.Abs(spectrum[k]), 1e-9)
	}

	power := Power(nil, spectrum)
	assert.InDelta(t, 64.0, power[0], 1e-9)
}

func TestSpectralAnalyzerTone(t *testing.T) {
	const n = 512
	s := NewSpectralAnalyzer(n)
	frame := make([]float64, n)
	for i := range frame {
		frame[i] = math.Cos(2 * math.Pi * 32 * float64(i) / n)
	}
	spectrum, err := s.Transform(frame)
	require.NoError(t, err)

	power := Power(nil, spectrum)
	peak := 0
	for k := range power {
		if power[k] > power[peak] {
			peak = k
		}
	}
	assert.Equal(t, 32, peak)
}

func TestSpectralAnalyzerWrongLength(t *testing.T) {
	s := NewSpectralAnalyzer(512)
	_, err := s.Transform(make([]float64, 100))
	assert.ErrorIs(t, err, ErrFrameLength)

	_, err = s.Transform(nil)
	assert.ErrorIs(t, err, ErrFrameLength)
}

func TestFilterBankGeometry(t *testing.T) {
	fb := NewFilterBank(26, 512)
	require.Equal(t, 26, fb.Len())

	first := fb.Filter(0)
	require.Len(t, first, 257)
	// centre 256/27 = 9, width 3
	assert.Equal(t, 1.0, first[9])
	assert.InDelta(t, 2.0/3, first[8], 1e-12)
	assert.InDelta(t, 1.0/3, first[11], 1e-12)
	assert.Equal(t, 0.0, first[12])
	assert.Equal(t, 0.0, first[6])

	last := fb.Filter(25)
	// centre 26*256/27 = 246, width 82
	assert.Equal(t, 1.0, last[246])
	assert.InDelta(t, 1-10.0/82, last[256], 1e-12)
	assert.Equal(t, 0.0, last[163])
	assert.Equal(t, 0.0, last[164])
	assert.Greater(t, last[165], 0.0)
}

func TestFilterBankAggregate(t *testing.T) {
	fb := NewFilterBank(26, 512)
	power := make([]float64, 257)
	power[9] = 2

	energies := fb.Aggregate(nil, power)
	require.Len(t, energies, 26)
	assert.InDelta(t, 2.0, energies[0], 1e-12)
}

func TestLogCompress(t *testing.T) {
	out := LogCompress(nil, []float64{math.E, 1, 0, -3})
	assert.InDelta(t, 1.0, out[0], 1e-12)
	assert.InDelta(t, 0.0, out[1], 1e-12)
	assert.Equal(t, LogFloor, out[2])
	assert.Equal(t, LogFloor, out[3])
}

func TestDCT(t *testing.T) {
	d := NewDCT(13, 26)
	constant := make([]float64, 26)
	for i := range constant {
		constant[i] = 2
	}
	out := d.Apply(constant)
	require.Len(t, out, 13)
	// c0 = sqrt(2/N) * N * x
	assert.InDelta(t, math.Sqrt(2.0/26)*26*2, out[0], 1e-9)
	for i := 1; i < len(out); i++ {
		assert.InDelta(t, 0.0, out[i], 1e-9, "coefficient %d of a constant input", i)
	}
}

func TestExtractShortInput(t *testing.T) {
	e := New(DefaultConfig())

	features, err := e.Extract(nil)
	require.NoError(t, err)
	assert.NotNil(t, features)
	assert.Empty(t, features)

	features, err = e.Extract(make([]float32, audio.FrameSize-1))
	require.NoError(t, err)
	assert.Empty(t, features)
}

func TestExtractShape(t *testing.T) {
	e := New(DefaultConfig())
	samples := make([]float32, audio.SampleRate)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*300*float64(i)/audio.SampleRate))
	}

	features, err := e.Extract(samples)
	require.NoError(t, err)
	assert.Len(t, features, (audio.SampleRate-audio.FrameSize)/audio.HopSize+1)
	for _, v := range features {
		require.Len(t, v, 13)
		for _, c := range v {
			assert.False(t, math.IsNaN(c) || math.IsInf(c, 0))
		}
	}
}

func TestExtractSilence(t *testing.T) {
	e := New(DefaultConfig())
	features, err := e.Extract(make([]float32, 2048))
	require.NoError(t, err)
	require.NotEmpty(t, features)

	// every band floors to -10, so only c0 is non-zero
	want := math.Sqrt(2.0/26) * 26 * LogFloor
	assert.InDelta(t, want, features[0][0], 1e-9)
	assert.InDelta(t, 0.0, features[0][5], 1e-9)
}

func TestExtractDeterministic(t *testing.T) {
	e := New(DefaultConfig())
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = float32(i%37) / 37
	}
	a, err := e.Extract(samples)
	require.NoError(t, err)
	b, err := e.Extract(samples)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExtractBufferResamples(t *testing.T) {
	e := New(DefaultConfig())
	b := &audio.Buffer{SampleRate: 32000, Samples: make([]float32, 32000)}
	for i := range b.Samples {
		b.Samples[i] = 0.1
	}
	features, err := e.ExtractBuffer(b, audio.ResampleNearest)
	require.NoError(t, err)
	assert.Len(t, features, (audio.SampleRate-audio.FrameSize)/audio.HopSize+1)
}
