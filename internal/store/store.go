// Package store 提供工作佇列使用的共享儲存：
// Redis 風格的 list（頭尾推入、阻塞式彈出）加上帶過期時間的 key/value。
//
// 三種實作：
//   - Memory: 單一行程內的記憶體實作
//   - Durable: Memory + WAL + 定期快照，重啟後可恢復
//   - Remote: 透過 gRPC 存取另一個行程提供的 store
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound key 不存在或已過期
	ErrNotFound = errors.New("store: key not found")

	// ErrStoreClosed store 已關閉
	ErrStoreClosed = errors.New("store: closed")
)

// Store list + 過期 key 的操作集合
//
// PopHead 在 timeout 內等待項目出現；逾時回傳 (nil, nil)。
// timeout <= 0 表示不等待。
type Store interface {
	PushHead(ctx context.Context, key string, value []byte) (int, error)
	PushTail(ctx context.Context, key string, value []byte) (int, error)
	PopHead(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Len(ctx context.Context, key string) (int, error)
	Range(ctx context.Context, key string, start, stop int) ([][]byte, error)

	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) error

	Close() error
}

// rangeBounds 將 Redis LRANGE 風格的索引（負數從尾端算起，stop 含）轉為切片範圍
func rangeBounds(n, start, stop int) (int, int, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
