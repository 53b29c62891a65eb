package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/phonoscore/internal/scoring"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// AudioFetcher 取得使用者錄音（16 kHz 單聲道）
type AudioFetcher interface {
	Fetch(ctx context.Context, url string) ([]float32, error)
}

// ReferenceLookup 取得詞彙在某方言下的參考發音（16 kHz 單聲道）
type ReferenceLookup interface {
	Lookup(ctx context.Context, wordID, dialect string) ([]float32, error)
}

// ScoreStore 以 recording id upsert 評分
type ScoreStore interface {
	UpsertScore(ctx context.Context, recordingID string, score types.PronunciationScore) error
}

// Notifier 評分完成通知
type Notifier interface {
	Notify(ctx context.Context, recordingID string, score types.PronunciationScore) error
}

// WordCatalog 讀取詞彙
type WordCatalog interface {
	GetWord(ctx context.Context, id string) (*types.Word, error)
}

// SearchIndexer 更新詞彙的搜尋索引
type SearchIndexer interface {
	IndexWord(ctx context.Context, word types.Word) error
}

// Pipeline 以 type switch 分派各種任務
type Pipeline struct {
	Audio      AudioFetcher
	References ReferenceLookup
	Scorer     *scoring.Scorer
	Scores     ScoreStore
	Notifier   Notifier // 可為 nil
	Words      WordCatalog
	Index      SearchIndexer

	// Scorer 為 nil 時共用一個預設 scorer
	defaultOnce   sync.Once
	defaultScorer *scoring.Scorer
}

var _ Executor = (*Pipeline)(nil)

var errNotConfigured = errors.New("collaborator not configured")

func (p *Pipeline) Execute(ctx context.Context, job *types.Job) (any, error) {
	switch t := job.Type.(type) {
	case types.PronunciationScoring:
		return p.score(ctx, t)
	case types.SearchIndexUpdate:
		return p.reindex(ctx, t)
	default:
		return nil, fmt.Errorf("job %s: %w: %T", job.ID, types.ErrUnknownJobType, t)
	}
}

func (p *Pipeline) scorer() *scoring.Scorer {
	if p.Scorer != nil {
		return p.Scorer
	}
	p.defaultOnce.Do(func() { p.defaultScorer = scoring.New(nil) })
	return p.defaultScorer
}

func (p *Pipeline) score(ctx context.Context, t types.PronunciationScoring) (*types.ScoringOutput, error) {
	if p.Audio == nil || p.References == nil || p.Scores == nil {
		return nil, fmt.Errorf("pronunciation scoring: %w", errNotConfigured)
	}
	scorer := p.scorer()

	user, err := p.Audio.Fetch(ctx, t.AudioURL)
	if err != nil {
		return nil, fmt.Errorf("fetch recording %s: %w", t.RecordingID, err)
	}
	ref, err := p.References.Lookup(ctx, t.WordID, t.Dialect)
	if err != nil {
		return nil, fmt.Errorf("lookup reference %s/%s: %w", t.Dialect, t.WordID, err)
	}

	score, err := scorer.Score(user, ref)
	if err != nil {
		return nil, fmt.Errorf("score recording %s: %w", t.RecordingID, err)
	}
	if err := p.Scores.UpsertScore(ctx, t.RecordingID, *score); err != nil {
		return nil, fmt.Errorf("persist score %s: %w", t.RecordingID, err)
	}
	if p.Notifier != nil {
		if err := p.Notifier.Notify(ctx, t.RecordingID, *score); err != nil {
			return nil, fmt.Errorf("notify %s: %w", t.RecordingID, err)
		}
	}

	return &types.ScoringOutput{
		RecordingID: t.RecordingID,
		OverallPct:  score.OverallPct,
		PerPhoneme:  score.PerPhoneme,
		Confidence:  score.Confidence,
	}, nil
}

func (p *Pipeline) reindex(ctx context.Context, t types.SearchIndexUpdate) (*types.SearchIndexOutput, error) {
	if p.Words == nil || p.Index == nil {
		return nil, fmt.Errorf("search index update: %w", errNotConfigured)
	}
	word, err := p.Words.GetWord(ctx, t.WordID)
	if err != nil {
		return nil, fmt.Errorf("load word %s: %w", t.WordID, err)
	}
	if err := p.Index.IndexWord(ctx, *word); err != nil {
		return nil, fmt.Errorf("index word %s: %w", t.WordID, err)
	}
	return &types.SearchIndexOutput{WordID: t.WordID, Status: "updated"}, nil
}
