package mfcc

// FilterBank is a set of triangular filters laid out on linear FFT bin
// indices. Filter i is centred on bin (i+1)*(frameSize/2)/(n+1) with a
// half-width of centre/3, both in integer arithmetic.
//
// This is a linear-frequency approximation of a mel bank; the geometry is
// kept exactly so scores stay comparable with previously stored results.
type FilterBank struct {
	filters [][]float64
}

// NewFilterBank builds numFilters filters over frameSize/2+1 bins.
func NewFilterBank(numFilters, frameSize int) *FilterBank {
	bins := frameSize/2 + 1
	filters := make([][]float64, numFilters)
	for i := range filters {
		f := make([]float64, bins)
		center := (i + 1) * (frameSize / 2) / (numFilters + 1)
		width := center / 3
		for j := range f {
			dist := j - center
			if dist < 0 {
				dist = -dist
			}
			if dist > width {
				continue
			}
			if width == 0 {
				f[j] = 1
				continue
			}
			f[j] = 1 - float64(dist)/float64(width)
		}
		filters[i] = f
	}
	return &FilterBank{filters: filters}
}

// Len returns the number of filters.
func (fb *FilterBank) Len() int { return len(fb.filters) }

// Filter returns the weights of filter i.
func (fb *FilterBank) Filter(i int) []float64 { return fb.filters[i] }

// Aggregate writes the dot product of every filter with power into dst.
func (fb *FilterBank) Aggregate(dst, power []float64) []float64 {
	if cap(dst) < len(fb.filters) {
		dst = make([]float64, len(fb.filters))
	}
	dst = dst[:len(fb.filters)]
	for i, f := range fb.filters {
		n := min(len(f), len(power))
		var sum float64
		for k := 0; k < n; k++ {
			sum += f[k] * power[k]
		}
		dst[i] = sum
	}
	return dst
}
