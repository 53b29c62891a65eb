// Package catalog 持久化評分結果、詞彙資料與簡易搜尋索引。
//
// 所有資料以 msgpack 編碼存放在 kv.Store（正式環境為 BadgerDB）。
//
// Key 配置：
//
//	scores:{recording_id}                → ScoreRecord
//	words:{word_id}                      → types.Word
//	search:doc:{word_id}                 → indexedDoc
//	search:term:{term}:{word_id}         → 空值（倒排索引）
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// ErrScoreNotFound 沒有該錄音的評分
var ErrScoreNotFound = errors.New("catalog: score not found")

// ScoreRecord 一筆錄音的最新評分
type ScoreRecord struct {
	RecordingID   string             `msgpack:"recording_id" json:"recording_id"`
	OverallPct    float64            `msgpack:"overall_pct" json:"overall_pct"`
	PerPhoneme    map[string]float64 `msgpack:"per_phoneme" json:"per_phoneme"`
	AlignmentCost float64            `msgpack:"alignment_cost" json:"alignment_cost"`
	Confidence    float64            `msgpack:"confidence" json:"confidence"`
	UpdatedAt     time.Time          `msgpack:"updated_at" json:"updated_at"`
}

// Scores 評分結果的儲存
type Scores struct {
	store kv.Store
	now   func() time.Time
}

func NewScores(store kv.Store) *Scores {
	return &Scores{store: store, now: time.Now}
}

func scoreKey(recordingID string) kv.Key { return kv.Key{"scores", recordingID} }

// UpsertScore 寫入（或覆寫）錄音的評分；同一錄音重複寫入結果相同
func (s *Scores) UpsertScore(ctx context.Context, recordingID string, score types.PronunciationScore) error {
	rec := ScoreRecord{
		RecordingID:   recordingID,
		OverallPct:    score.OverallPct,
		PerPhoneme:    score.PerPhoneme,
		AlignmentCost: score.AlignmentCost,
		Confidence:    score.Confidence,
		UpdatedAt:     s.now().UTC(),
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode score %s: %w", recordingID, err)
	}
	if err := s.store.Set(ctx, scoreKey(recordingID), data); err != nil {
		return fmt.Errorf("upsert score %s: %w", recordingID, err)
	}
	return nil
}

// GetScore 讀取錄音的評分
func (s *Scores) GetScore(ctx context.Context, recordingID string) (*ScoreRecord, error) {
	data, err := s.store.Get(ctx, scoreKey(recordingID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrScoreNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec ScoreRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode score %s: %w", recordingID, err)
	}
	return &rec, nil
}
