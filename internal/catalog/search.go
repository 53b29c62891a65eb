package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// indexedDoc 索引中的文件，保留上次的 terms 以便重建時移除過期的 posting
type indexedDoc struct {
	Word      types.Word `msgpack:"word"`
	Terms     []string   `msgpack:"terms"`
	IndexedAt time.Time  `msgpack:"indexed_at"`
}

// SearchIndex 以 kv 前綴掃描實作的倒排索引
//
// IndexWord 與 RemoveWord 是「讀舊文件、刪過期 posting、寫新文件」的組合，
// 以 mu 串行化，避免同一詞彙並行更新時留下過期的 posting。
type SearchIndex struct {
	store kv.Store
	now   func() time.Time
	mu    sync.Mutex
}

func NewSearchIndex(store kv.Store) *SearchIndex {
	return &SearchIndex{store: store, now: time.Now}
}

func docKey(id string) kv.Key { return kv.Key{"search", "doc", id} }

func postingKey(term, id string) kv.Key { return kv.Key{"search", "term", term, id} }

// IndexWord 建立或更新詞彙的索引
func (s *SearchIndex) IndexWord(ctx context.Context, word types.Word) error {
	if word.ID == "" {
		return fmt.Errorf("index word: %w", kv.ErrInvalidKey)
	}
	terms := Tokenize(word.Text, word.IPA, word.Dialect)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.loadDoc(ctx, word.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		var stale []kv.Key
		for _, t := range prev.Terms {
			if !slices.Contains(terms, t) {
				stale = append(stale, postingKey(t, word.ID))
			}
		}
		if len(stale) > 0 {
			if err := s.store.BatchDelete(ctx, stale); err != nil {
				return fmt.Errorf("remove stale postings for %s: %w", word.ID, err)
			}
		}
	}

	doc, err := msgpack.Marshal(&indexedDoc{Word: word, Terms: terms, IndexedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode doc %s: %w", word.ID, err)
	}
	entries := make([]kv.Entry, 0, len(terms)+1)
	entries = append(entries, kv.Entry{Key: docKey(word.ID), Value: doc})
	for _, t := range terms {
		entries = append(entries, kv.Entry{Key: postingKey(t, word.ID), Value: []byte{}})
	}
	if err := s.store.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("index word %s: %w", word.ID, err)
	}
	return nil
}

// RemoveWord 從索引移除詞彙；不存在時不做事
func (s *SearchIndex) RemoveWord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.loadDoc(ctx, id)
	if err != nil || prev == nil {
		return err
	}
	keys := []kv.Key{docKey(id)}
	for _, t := range prev.Terms {
		keys = append(keys, postingKey(t, id))
	}
	return s.store.BatchDelete(ctx, keys)
}

// Search 回傳包含 term 的詞彙 ID（字典序）
func (s *SearchIndex) Search(ctx context.Context, term string) ([]string, error) {
	tokens := Tokenize(term)
	if len(tokens) != 1 {
		return nil, nil
	}
	var ids []string
	for entry, err := range s.store.List(ctx, kv.Key{"search", "term", tokens[0]}) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, entry.Key[len(entry.Key)-1])
	}
	return ids, nil
}

func (s *SearchIndex) loadDoc(ctx context.Context, id string) (*indexedDoc, error) {
	data, err := s.store.Get(ctx, docKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc indexedDoc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode doc %s: %w", id, err)
	}
	return &doc, nil
}

// Tokenize 將文字切成小寫、去重、排序後的 term
//
// 字母與數字以外的字元都視為分隔（包含 kv 的分隔字元）。
func Tokenize(fields ...string) []string {
	var terms []string
	for _, f := range fields {
		for _, tok := range strings.FieldsFunc(strings.ToLower(f), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			if !slices.Contains(terms, tok) {
				terms = append(terms, tok)
			}
		}
	}
	slices.Sort(terms)
	return terms
}
