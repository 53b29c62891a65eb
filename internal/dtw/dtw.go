// Package dtw computes dynamic time warping costs between feature sequences.
package dtw

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Align returns the terminal DTW cost between a and b:
//
//	D[0][0] = 0, D[i][0] = D[0][j] = +Inf
//	D[i][j] = dist(a[i-1], b[j-1]) + min(D[i-1][j], D[i][j-1], D[i-1][j-1])
//
// with Euclidean frame distance. Either sequence being empty yields +Inf.
// Only two rows of the matrix are kept since no path is backtracked.
func Align(a, b [][]float64) float64 {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return math.Inf(1)
	}

	prev := make([]float64, m+1)
	cur := make([]float64, m+1)
	for j := 1; j <= m; j++ {
		prev[j] = math.Inf(1)
	}

	for i := 1; i <= n; i++ {
		cur[0] = math.Inf(1)
		for j := 1; j <= m; j++ {
			best := min(prev[j], cur[j-1], prev[j-1])
			cur[j] = Euclidean(a[i-1], b[j-1]) + best
		}
		prev, cur = cur, prev
	}
	return prev[m]
}

// Euclidean is the L2 distance over the common prefix of a and b.
func Euclidean(a, b []float64) float64 {
	k := min(len(a), len(b))
	if k == 0 {
		return 0
	}
	return floats.Distance(a[:k], b[:k], 2)
}
