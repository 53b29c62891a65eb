package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// ErrWordNotFound 詞彙不存在
var ErrWordNotFound = errors.New("catalog: word not found")

// Words 詞彙資料
type Words struct {
	store kv.Store
}

func NewWords(store kv.Store) *Words {
	return &Words{store: store}
}

func wordKey(id string) kv.Key { return kv.Key{"words", id} }

func (w *Words) PutWord(ctx context.Context, word types.Word) error {
	if word.ID == "" {
		return fmt.Errorf("put word: %w", kv.ErrInvalidKey)
	}
	data, err := msgpack.Marshal(&word)
	if err != nil {
		return fmt.Errorf("encode word %s: %w", word.ID, err)
	}
	return w.store.Set(ctx, wordKey(word.ID), data)
}

func (w *Words) GetWord(ctx context.Context, id string) (*types.Word, error) {
	data, err := w.store.Get(ctx, wordKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var word types.Word
	if err := msgpack.Unmarshal(data, &word); err != nil {
		return nil, fmt.Errorf("decode word %s: %w", id, err)
	}
	return &word, nil
}

// ListWords 依 ID 字典序列出所有詞彙；無法解碼的項目略過
func (w *Words) ListWords(ctx context.Context) ([]types.Word, error) {
	var words []types.Word
	for entry, err := range w.store.List(ctx, kv.Key{"words"}) {
		if err != nil {
			return nil, err
		}
		var word types.Word
		if err := msgpack.Unmarshal(entry.Value, &word); err != nil {
			continue
		}
		words = append(words, word)
	}
	return words, nil
}
