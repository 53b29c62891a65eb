// Package scoring compares a learner's recording with a reference recording
// and produces an overall percentage, per-segment percentages and a
// confidence estimate.
package scoring

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/phonoscore/internal/audio"
	"github.com/ChuLiYu/phonoscore/internal/dtw"
	"github.com/ChuLiYu/phonoscore/internal/mfcc"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

const (
	// DefaultFrameCostScale is the per-frame cost that maps to a score of 0
	// for the whole clip: cost / (scale * (n+m)).
	DefaultFrameCostScale = 10.0

	// DefaultSegmentCostScale is the absolute segment cost that maps to 0.
	DefaultSegmentCostScale = 10.0
)

// Scorer runs feature extraction, alignment and score synthesis.
type Scorer struct {
	extractor        *mfcc.Extractor
	segmenter        Segmenter
	resample         audio.ResampleMode
	frameCostScale   float64
	segmentCostScale float64
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithSegmenter replaces the uniform segmenter.
func WithSegmenter(s Segmenter) Option {
	return func(sc *Scorer) { sc.segmenter = s }
}

// WithResampleMode sets how off-rate buffers are converted.
func WithResampleMode(m audio.ResampleMode) Option {
	return func(sc *Scorer) { sc.resample = m }
}

// WithCostScales overrides the overall and segment cost divisors.
func WithCostScales(frame, segment float64) Option {
	return func(sc *Scorer) {
		sc.frameCostScale = frame
		sc.segmentCostScale = segment
	}
}

// New creates a Scorer. A nil extractor gets mfcc.DefaultConfig.
func New(extractor *mfcc.Extractor, opts ...Option) *Scorer {
	if extractor == nil {
		extractor = mfcc.New(mfcc.DefaultConfig())
	}
	s := &Scorer{
		extractor:        extractor,
		segmenter:        UniformSegmenter{Count: DefaultSegments},
		resample:         audio.ResampleNearest,
		frameCostScale:   DefaultFrameCostScale,
		segmentCostScale: DefaultSegmentCostScale,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score compares two sample runs already at the extractor's rate.
func (s *Scorer) Score(user, reference []float32) (*types.PronunciationScore, error) {
	userFeatures, err := s.extractor.Extract(user)
	if err != nil {
		return nil, fmt.Errorf("extract user features: %w", err)
	}
	refFeatures, err := s.extractor.Extract(reference)
	if err != nil {
		return nil, fmt.Errorf("extract reference features: %w", err)
	}
	return s.ScoreFeatures(userFeatures, refFeatures), nil
}

// ScoreBuffers resamples both buffers as needed and scores them.
func (s *Scorer) ScoreBuffers(user, reference *audio.Buffer) (*types.PronunciationScore, error) {
	userFeatures, err := s.extractor.ExtractBuffer(user, s.resample)
	if err != nil {
		return nil, fmt.Errorf("extract user features: %w", err)
	}
	refFeatures, err := s.extractor.ExtractBuffer(reference, s.resample)
	if err != nil {
		return nil, fmt.Errorf("extract reference features: %w", err)
	}
	return s.ScoreFeatures(userFeatures, refFeatures), nil
}

// ScoreFeatures synthesises a score from two feature sequences.
func (s *Scorer) ScoreFeatures(user, reference [][]float64) *types.PronunciationScore {
	cost := dtw.Align(user, reference)
	overall := costToPct(cost, s.frameCostScale*float64(len(user)+len(reference)))

	perPhoneme := make(map[string]float64)
	for _, seg := range s.segmenter.Segment(user, reference) {
		if len(seg.User) == 0 || len(seg.Reference) == 0 {
			perPhoneme[seg.Key] = 0
			continue
		}
		perPhoneme[seg.Key] = costToPct(dtw.Align(seg.User, seg.Reference), s.segmentCostScale)
	}

	return &types.PronunciationScore{
		OverallPct:    overall,
		PerPhoneme:    perPhoneme,
		AlignmentCost: cost,
		Confidence:    Confidence(overall),
	}
}

// costToPct maps cost to clamp((1 - min(1, cost/maxCost)) * 100).
func costToPct(cost, maxCost float64) float64 {
	normalized := math.Min(1, cost/maxCost)
	if math.IsNaN(normalized) {
		return 0
	}
	return clamp((1-normalized)*100, 0, 100)
}

// Confidence is a step function of the overall percentage.
func Confidence(overallPct float64) float64 {
	switch {
	case overallPct > 80:
		return 0.9
	case overallPct > 60:
		return 0.7
	case overallPct > 40:
		return 0.5
	default:
		return 0.3
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
