package scoring

import "fmt"

// Segment is one aligned pair of sub-sequences that gets its own score.
type Segment struct {
	Key       string
	User      [][]float64
	Reference [][]float64
}

// Segmenter splits a user/reference feature pair into scored segments. A
// forced aligner producing real phoneme boundaries can replace the uniform
// split without touching Scorer.
type Segmenter interface {
	Segment(user, reference [][]float64) []Segment
}

// DefaultSegments is the number of uniform segments.
const DefaultSegments = 5

// UniformSegmenter cuts each sequence into Count contiguous pieces of equal
// proportion of its own length. Keys are "phoneme_0" .. "phoneme_<Count-1>".
type UniformSegmenter struct {
	Count int
}

// Segment implements Segmenter.
func (u UniformSegmenter) Segment(user, reference [][]float64) []Segment {
	count := u.Count
	if count <= 0 {
		count = DefaultSegments
	}
	segments := make([]Segment, count)
	for i := range segments {
		segments[i] = Segment{
			Key:       fmt.Sprintf("phoneme_%d", i),
			User:      slicePart(user, i, count),
			Reference: slicePart(reference, i, count),
		}
	}
	return segments
}

func slicePart(seq [][]float64, i, count int) [][]float64 {
	start := i * len(seq) / count
	end := (i + 1) * len(seq) / count
	return seq[start:end]
}
