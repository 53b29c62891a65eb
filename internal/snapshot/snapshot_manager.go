package snapshot

// ============================================================================
// 職責說明：
// 1. 將 list store 的完整狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL 實現快速恢復：只需重放 seq > LastSeq 的事件
// ============================================================================

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 2

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Entry 一個帶過期時間的值
type Entry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // Unix 毫秒，0 = 永不過期
}

// Data 快照內容
type Data struct {
	Lists     map[string][][]byte `json:"lists"`  // list key -> 由頭到尾的項目
	Values    map[string]Entry    `json:"values"` // 一般 key（結果、處理中標記）
	LastSeq   uint64              `json:"last_seq"`
	SchemaVer int                 `json:"schema_ver"`
	TakenAt   time.Time           `json:"taken_at"`
}

// Empty 回傳空狀態（首次啟動）
func Empty() Data {
	return Data{
		Lists:     make(map[string][][]byte),
		Values:    make(map[string]Entry),
		SchemaVer: SchemaVersion,
	}
}

// Manager 快照管理器
type Manager struct {
	path     string     // 快照檔案路徑
	compress bool       // 以 gzip 壓縮
	mu       sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// WithCompression 開啟 gzip 壓縮；Load 依檔頭自動判斷，可讀取兩種格式
func (m *Manager) WithCompression(on bool) *Manager {
	m.compress = on
	return m
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now().UTC()
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if m.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return fmt.Errorf("failed to compress snapshot: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress snapshot: %w", err)
		}
		payload = buf.Bytes()
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, payload); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 Data（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	// gzip magic number
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Lists == nil {
		data.Lists = make(map[string][][]byte)
	}
	if data.Values == nil {
		data.Values = make(map[string]Entry)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

func writeSynced(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
