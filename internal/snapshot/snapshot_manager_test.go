package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData(lastSeq uint64) Data {
	return Data{
		Lists: map[string][][]byte{
			"job_queue": {[]byte(`{"id":"a"}`), []byte(`{"id":"b"}`)},
		},
		Values: map[string]Entry{
			"job_result:a":     {Value: []byte(`{"Success":{"data":{}}}`), ExpiresAt: 1700000000000},
			"job_processing:b": {Value: []byte("worker-1")},
		},
		LastSeq: lastSeq,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath)

	original := sampleData(100)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.Equal(t, original.Lists, loaded.Lists)
	assert.Equal(t, original.Values, loaded.Values)
	assert.False(t, loaded.TakenAt.IsZero())
}

// TestCompressedRoundTrip 測試 gzip 壓縮快照
func TestCompressedRoundTrip(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath).WithCompression(true)

	require.NoError(t, manager.Write(sampleData(7)))

	raw, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2])

	// 未開啟壓縮的 manager 也能讀取
	loaded, err := NewManager(snapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.LastSeq)
	assert.Len(t, loaded.Lists["job_queue"], 2)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(100)))
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "nested", "store.snapshot"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(Empty()))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.snapshot"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Zero(t, loaded.LastSeq)
	assert.NotNil(t, loaded.Lists)
	assert.NotNil(t, loaded.Values)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath)

	old := Empty()
	old.SchemaVer = 1
	raw, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, raw, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"lists": {"job_queue": [`), 0o644))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)

	// 截斷的 gzip
	require.NoError(t, os.WriteFile(snapshotPath, []byte{0x1f, 0x8b, 0x08}, 0o644))
	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目標路徑被目錄佔用）
func TestWriteFailure(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "store.snapshot")
	require.NoError(t, os.Mkdir(snapshotPath+".tmp", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapshotPath+".tmp", "x"), nil, 0o644))

	err := NewManager(snapshotPath).Write(Empty())
	assert.Error(t, err)
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "store.snapshot"))

	large := Empty()
	large.LastSeq = 10000
	for i := 0; i < 1000; i++ {
		large.Lists["job_queue"] = append(large.Lists["job_queue"], []byte(fmt.Sprintf(`{"id":"job-%04d"}`, i)))
		large.Values[fmt.Sprintf("job_result:job-%04d", i)] = Entry{Value: []byte("ok"), ExpiresAt: int64(i)}
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	t.Logf("Write duration for 1000 items: %v", time.Since(start))

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("Load duration for 1000 items: %v", time.Since(start))

	assert.Len(t, loaded.Lists["job_queue"], 1000)
	assert.Len(t, loaded.Values, 1000)
	assert.Equal(t, []byte(`{"id":"job-0000"}`), loaded.Lists["job_queue"][0])
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "store.snapshot"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(uint64(index))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Less(t, loaded.LastSeq, uint64(10))
}
