package mfcc

import "math"

// LogFloor replaces ln(e) for non-positive band energies.
const LogFloor = -10.0

// LogCompress writes ln(e) for each energy into dst, or LogFloor when e <= 0.
func LogCompress(dst, energies []float64) []float64 {
	if cap(dst) < len(energies) {
		dst = make([]float64, len(energies))
	}
	dst = dst[:len(energies)]
	for i, e := range energies {
		if e > 0 {
			dst[i] = math.Log(e)
		} else {
			dst[i] = LogFloor
		}
	}
	return dst
}

// DCT is a type-II cosine transform truncated to the first numCoeffs outputs:
//
//	c[i] = sqrt(2/N) * sum_j x[j] * cos(pi*i*(2j+1)/(2N))
//
// The cosine table is computed once.
type DCT struct {
	n     int
	scale float64
	table [][]float64
}

// NewDCT builds a DCT over n inputs producing numCoeffs outputs.
func NewDCT(numCoeffs, n int) *DCT {
	table := make([][]float64, numCoeffs)
	for i := range table {
		row := make([]float64, n)
		for j := range row {
			row[j] = math.Cos(math.Pi * float64(i) * float64(2*j+1) / float64(2*n))
		}
		table[i] = row
	}
	scale := 0.0
	if n > 0 {
		scale = math.Sqrt(2 / float64(n))
	}
	return &DCT{n: n, scale: scale, table: table}
}

// Apply transforms x and returns a new coefficient vector.
func (d *DCT) Apply(x []float64) []float64 {
	out := make([]float64, len(d.table))
	for i, row := range d.table {
		var sum float64
		for j := 0; j < len(row) && j < len(x); j++ {
			sum += x[j] * row[j]
		}
		out[i] = sum * d.scale
	}
	return out
}
