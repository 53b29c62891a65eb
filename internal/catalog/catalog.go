package catalog

import (
	"context"

	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// API 是 worker 與 CLI 使用的 catalog 操作；本地的 *Catalog 與遠端的 *Remote 都實作它
type API interface {
	UpsertScore(ctx context.Context, recordingID string, score types.PronunciationScore) error
	GetScore(ctx context.Context, recordingID string) (*ScoreRecord, error)
	PutWord(ctx context.Context, word types.Word) error
	GetWord(ctx context.Context, id string) (*types.Word, error)
	IndexWord(ctx context.Context, word types.Word) error
	Search(ctx context.Context, term string) ([]string, error)
}

// Catalog 將同一個 kv.Store 上的 Scores、Words 與 SearchIndex 合成一個入口
//
// kv.Store（BadgerDB）同一時間只能由一個行程開啟，因此 Catalog 只存在於
// queue server 內，其他行程經由 Remote 存取。
type Catalog struct {
	*Scores
	*Words
	*SearchIndex
}

var _ API = (*Catalog)(nil)

func New(store kv.Store) *Catalog {
	return &Catalog{
		Scores:      NewScores(store),
		Words:       NewWords(store),
		SearchIndex: NewSearchIndex(store),
	}
}
