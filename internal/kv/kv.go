// Package kv 是 catalog 使用的有序 key/value 儲存。
//
// key 以路徑片段表示（例如 {"scores", "rec-1"}），儲存時以 ':' 串接；
// List 依前綴做字典序掃描。正式環境使用 BadgerDB，測試可用 Memory。
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Separator key 片段的分隔字元；片段本身不可包含此字元
const Separator = ":"

// ErrNotFound key 不存在
var ErrNotFound = errors.New("kv: not found")

// ErrInvalidKey key 為空或片段包含分隔字元
var ErrInvalidKey = errors.New("kv: invalid key")

// Key 路徑形式的 key
type Key []string

func (k Key) String() string { return strings.Join(k, Separator) }

// Entry List 與 BatchSet 使用的 key/value 組
type Entry struct {
	Key   Key
	Value []byte
}

// Store key/value 操作集合
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error // key 不存在時不回傳錯誤

	// List 依字典序走訪所有以 prefix 為前綴（以片段為單位）的項目
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	BatchSet(ctx context.Context, entries []Entry) error
	BatchDelete(ctx context.Context, keys []Key) error
	Close() error
}

func encode(k Key) ([]byte, error) {
	if len(k) == 0 {
		return nil, ErrInvalidKey
	}
	for _, seg := range k {
		if seg == "" || strings.Contains(seg, Separator) {
			return nil, ErrInvalidKey
		}
	}
	return []byte(strings.Join(k, Separator)), nil
}

// encodePrefix 在尾端補上分隔字元，避免 {"a","b"} 匹配到 "a:bc"
func encodePrefix(prefix Key) ([]byte, error) {
	if len(prefix) == 0 {
		return nil, nil
	}
	p, err := encode(prefix)
	if err != nil {
		return nil, err
	}
	return append(p, Separator...), nil
}

func decode(b []byte) Key {
	return strings.Split(string(b), Separator)
}
