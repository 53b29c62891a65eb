package dtw

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignNearlyIdentical(t *testing.T) {
	seq1 := [][]float64{{1.0, 2.0}, {3.0, 4.0}}
	seq2 := [][]float64{{1.1, 2.1}, {3.1, 4.1}}

	cost := Align(seq1, seq2)
	assert.Less(t, cost, 1.0)
	assert.InDelta(t, 2*math.Sqrt(0.02), cost, 1e-9)
}

func TestAlignSelfIsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		seq := randomSequence(rng, 1+rng.Intn(30), 13)
		assert.Equal(t, 0.0, Align(seq, seq))
	}
}

func TestAlignSymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 10; trial++ {
		a := randomSequence(rng, 1+rng.Intn(20), 13)
		b := randomSequence(rng, 1+rng.Intn(20), 13)
		assert.InDelta(t, Align(a, b), Align(b, a), 1e-9)
	}
}

func TestAlignEmpty(t *testing.T) {
	seq := [][]float64{{1, 2}}
	assert.True(t, math.IsInf(Align(nil, seq), 1))
	assert.True(t, math.IsInf(Align(seq, nil), 1))
	assert.True(t, math.IsInf(Align(nil, nil), 1))
}

func TestAlignWarpsRepeatedFrames(t *testing.T) {
	a := [][]float64{{0}, {1}, {2}}
	b := [][]float64{{0}, {0}, {1}, {1}, {2}, {2}}
	assert.Equal(t, 0.0, Align(a, b))
}

func TestAlignMatchesFullMatrix(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := randomSequence(rng, 9, 4)
	b := randomSequence(rng, 14, 4)
	assert.InDelta(t, fullMatrix(a, b), Align(a, b), 1e-9)
}

func TestEuclidean(t *testing.T) {
	assert.InDelta(t, 5.0, Euclidean([]float64{0, 0}, []float64{3, 4}), 1e-12)
	// extra trailing values are ignored
	assert.InDelta(t, 3.0, Euclidean([]float64{0, 0}, []float64{3, 0, 100}), 1e-12)
	assert.Equal(t, 0.0, Euclidean(nil, []float64{1}))
}

func randomSequence(rng *rand.Rand, n, dim int) [][]float64 {
	seq := make([][]float64, n)
	for i := range seq {
		v := make([]float64, dim)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		seq[i] = v
	}
	return seq
}

// fullMatrix is the textbook (n+1)x(m+1) formulation.
func fullMatrix(a, b [][]float64) float64 {
	n, m := len(a), len(b)
	d := make([][]float64, n+1)
	for i := range d {
		d[i] = make([]float64, m+1)
		for j := range d[i] {
			d[i][j] = math.Inf(1)
		}
	}
	d[0][0] = 0
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			d[i][j] = Euclidean(a[i-1], b[j-1]) + math.Min(d[i-1][j], math.Min(d[i][j-1], d[i-1][j-1]))
		}
	}
	return d[n][m]
}

func BenchmarkAlign(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	x := randomSequence(rng, 61, 13)
	y := randomSequence(rng, 61, 13)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Align(x, y)
	}
}
