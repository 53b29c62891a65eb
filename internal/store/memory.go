package store

// ============================================================================
// 記憶體實作
// 職責：
// 1. list 與過期 key 的狀態管理（單一互斥鎖保護）
// 2. 阻塞式 PopHead：push 時喚醒等待者
// 3. 提供 journal 掛鉤：每個變更在套用前先交給 journal（Write-Ahead）
// 4. 匯出 / 匯入快照，重放 WAL 事件
// ============================================================================

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/phonoscore/internal/snapshot"
	"github.com/ChuLiYu/phonoscore/internal/storage/wal"
)

type entry struct {
	value     []byte
	expiresAt int64 // Unix 毫秒，0 = 永不過期
}

// Memory 記憶體中的 Store
type Memory struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	values  map[string]entry
	waiters map[string]chan struct{} // 每個 list 一個廣播 channel，push 時關閉並重建
	now     func() time.Time

	// journal 在持有 mu 的情況下、狀態變更之前呼叫；回傳錯誤則放棄該次變更
	journal func(wal.Event) error

	closed  bool
	closeCh chan struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory 建立空的記憶體 store
func NewMemory() *Memory {
	return &Memory{
		lists:   make(map[string][][]byte),
		values:  make(map[string]entry),
		waiters: make(map[string]chan struct{}),
		now:     time.Now,
		closeCh: make(chan struct{}),
	}
}

// ============================================================================
// List 操作
// ============================================================================

func (m *Memory) PushHead(ctx context.Context, key string, value []byte) (int, error) {
	return m.push(wal.EventPushHead, key, value)
}

func (m *Memory) PushTail(ctx context.Context, key string, value []byte) (int, error) {
	return m.push(wal.EventPushTail, key, value)
}

func (m *Memory) push(typ wal.EventType, key string, value []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	value = append([]byte(nil), value...)
	if err := m.record(wal.Event{Type: typ, Key: key, Value: value}); err != nil {
		return 0, err
	}
	m.applyPush(typ, key, value)
	return len(m.lists[key]), nil
}

// PopHead 取出 list 頭部的項目；同一項目只會交給一個呼叫者
func (m *Memory) PopHead(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrStoreClosed
		}
		if len(m.lists[key]) > 0 {
			if err := m.record(wal.Event{Type: wal.EventPopHead, Key: key}); err != nil {
				m.mu.Unlock()
				return nil, err
			}
			item := m.applyPop(key)
			m.mu.Unlock()
			return item, nil
		}
		if timeout <= 0 {
			m.mu.Unlock()
			return nil, nil
		}
		wait := m.waiterLocked(key)
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.closeCh:
			timer.Stop()
			return nil, ErrStoreClosed
		}
	}
}

func (m *Memory) Len(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.lists[key]), nil
}

// Range 回傳 [start, stop] 範圍內項目的副本，索引規則同 Redis LRANGE
func (m *Memory) Range(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	items := m.lists[key]
	lo, hi, ok := rangeBounds(len(items), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo)
	for _, item := range items[lo:hi] {
		out = append(out, append([]byte(nil), item...))
	}
	return out, nil
}

// ============================================================================
// Key/Value 操作
// ============================================================================

// SetEx 設定值；ttl <= 0 表示永不過期
func (m *Memory) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = m.now().Add(ttl).UnixMilli()
	}
	value = append([]byte(nil), value...)
	if err := m.record(wal.Event{Type: wal.EventSet, Key: key, Value: value, ExpiresAt: expiresAt}); err != nil {
		return err
	}
	m.values[key] = entry{value: value, expiresAt: expiresAt}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	e, ok := m.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Exists list 非空或值未過期
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStoreClosed
	}
	if len(m.lists[key]) > 0 {
		return true, nil
	}
	_, ok := m.liveLocked(key)
	return ok, nil
}

// Del 刪除 key（list 或值）；不存在時不做事
func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	_, isList := m.lists[key]
	_, isValue := m.values[key]
	if !isList && !isValue {
		return nil
	}
	if err := m.record(wal.Event{Type: wal.EventDel, Key: key}); err != nil {
		return err
	}
	delete(m.lists, key)
	delete(m.values, key)
	return nil
}

// Close 關閉 store 並喚醒所有等待中的 PopHead
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

// ============================================================================
// 快照與重放
// ============================================================================

// Export 匯出目前狀態；已過期的值不會被匯出
func (m *Memory) Export() snapshot.Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportLocked()
}

func (m *Memory) exportLocked() snapshot.Data {
	data := snapshot.Empty()
	for key, items := range m.lists {
		copied := make([][]byte, len(items))
		copy(copied, items)
		data.Lists[key] = copied
	}
	now := m.now().UnixMilli()
	for key, e := range m.values {
		if e.expiresAt != 0 && e.expiresAt <= now {
			continue
		}
		data.Values[key] = snapshot.Entry{Value: e.value, ExpiresAt: e.expiresAt}
	}
	return data
}

// Restore 以快照內容取代目前狀態
func (m *Memory) Restore(data snapshot.Data) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lists = make(map[string][][]byte, len(data.Lists))
	for key, items := range data.Lists {
		if len(items) > 0 {
			m.lists[key] = items
		}
	}
	m.values = make(map[string]entry, len(data.Values))
	for key, e := range data.Values {
		m.values[key] = entry{value: e.Value, expiresAt: e.ExpiresAt}
	}
}

// Apply 套用一個 WAL 事件（重放用，不經過 journal）
func (m *Memory) Apply(e wal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.Type {
	case wal.EventPushHead, wal.EventPushTail:
		m.applyPush(e.Type, e.Key, e.Value)
	case wal.EventPopHead:
		m.applyPop(e.Key)
	case wal.EventSet:
		m.values[e.Key] = entry{value: e.Value, expiresAt: e.ExpiresAt}
	case wal.EventDel:
		delete(m.lists, e.Key)
		delete(m.values, e.Key)
	default:
		log.Warn("Ignoring unknown WAL event", "type", e.Type, "seq", e.Seq)
	}
	return nil
}

// setJournal 設定 journal 掛鉤
func (m *Memory) setJournal(fn func(wal.Event) error) {
	m.mu.Lock()
	m.journal = fn
	m.mu.Unlock()
}

// withLock 在持有狀態鎖的情況下執行 fn，期間不會有任何變更
func (m *Memory) withLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// ============================================================================
// 內部輔助方法（假設調用者已經持有 m.mu 鎖）
// ============================================================================

func (m *Memory) record(e wal.Event) error {
	if m.journal == nil {
		return nil
	}
	return m.journal(e)
}

func (m *Memory) applyPush(typ wal.EventType, key string, value []byte) {
	if typ == wal.EventPushHead {
		m.lists[key] = append([][]byte{value}, m.lists[key]...)
	} else {
		m.lists[key] = append(m.lists[key], value)
	}
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
}

func (m *Memory) applyPop(key string) []byte {
	items := m.lists[key]
	if len(items) == 0 {
		return nil
	}
	item := items[0]
	items[0] = nil
	if len(items) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = items[1:]
	}
	return item
}

func (m *Memory) waiterLocked(key string) chan struct{} {
	ch, ok := m.waiters[key]
	if !ok {
		ch = make(chan struct{})
		m.waiters[key] = ch
	}
	return ch
}

// liveLocked 取得未過期的值；過期的值在此順便移除
func (m *Memory) liveLocked(key string) (entry, bool) {
	e, ok := m.values[key]
	if !ok {
		return entry{}, false
	}
	if e.expiresAt != 0 && e.expiresAt <= m.now().UnixMilli() {
		delete(m.values, key)
		return entry{}, false
	}
	return e, true
}
