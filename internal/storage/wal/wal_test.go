package wal

// ============================================================================
// WAL 測試檔案
// 職責：驗證追加、重放、旋轉、序號延續與損壞偵測
// ============================================================================

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, opts Options) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// TestAppendAndReplay 測試追加與重放
func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t, Options{SyncOnAppend: true})

	seq, err := w.Append(Event{Type: EventPushTail, Key: "job_queue", Value: []byte(`{"id":"a"}`)}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	_, err = w.Append(Event{Type: EventSet, Key: "job_result:a", Value: []byte("ok"), ExpiresAt: 1700000000000}, false)
	require.NoError(t, err)
	_, err = w.Append(Event{Type: EventPopHead, Key: "job_queue"}, false)
	require.NoError(t, err)

	events := collect(t, w)
	require.Len(t, events, 3)
	assert.Equal(t, EventPushTail, events[0].Type)
	assert.Equal(t, []byte(`{"id":"a"}`), events[0].Value)
	assert.EqualValues(t, 1700000000000, events[1].ExpiresAt)
	assert.Equal(t, EventPopHead, events[2].Type)
	assert.EqualValues(t, 3, w.LastSeq())
}

// TestBufferedAppendFlushedOnReplay 測試批次緩衝在重放前被寫出
func TestBufferedAppendFlushedOnReplay(t *testing.T) {
	w, path := openTestWAL(t, Options{BufferSize: 100})

	for i := 0; i < 5; i++ {
		_, err := w.Append(Event{Type: EventPushTail, Key: "q", Value: []byte{byte(i)}}, false)
		require.NoError(t, err)
	}

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, stat.Size(), "events should still be buffered")

	assert.Len(t, collect(t, w), 5)
}

// TestReopenContinuesSequence 測試重新開啟後序號延續
func TestReopenContinuesSequence(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	for i := 0; i < 4; i++ {
		_, err := w.Append(Event{Type: EventSet, Key: "k"}, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reopened, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 4, reopened.LastSeq())

	seq, err := reopened.Append(Event{Type: EventDel, Key: "k"}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 5, seq)
}

// TestRotateKeepsSequence 測試旋轉後序號不歸零
func TestRotateKeepsSequence(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true, RetainRotated: 1})

	_, err := w.Append(Event{Type: EventPushTail, Key: "q", Value: []byte("x")}, false)
	require.NoError(t, err)
	require.NoError(t, w.Rotate())

	assert.Empty(t, collect(t, w))

	seq, err := w.Append(Event{Type: EventPushTail, Key: "q", Value: []byte("y")}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)

	require.NoError(t, w.Rotate())
	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, backups, 1, "only the newest rotated file is retained")
}

// TestRotateCompressed 測試旋轉檔 gzip 壓縮
func TestRotateCompressed(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true, RetainRotated: 5, CompressRotated: true})
	_, err := w.Append(Event{Type: EventSet, Key: "k", Value: []byte("v")}, false)
	require.NoError(t, err)
	require.NoError(t, w.Rotate())

	gz, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, gz, 1)
}

// TestEnsureSeq 測試以快照序號接續編號
func TestEnsureSeq(t *testing.T) {
	w, _ := openTestWAL(t, Options{SyncOnAppend: true})
	w.EnsureSeq(41)
	seq, err := w.Append(Event{Type: EventSet, Key: "k"}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 42, seq)

	w.EnsureSeq(10)
	assert.EqualValues(t, 42, w.LastSeq())
}

// TestReplayDetectsChecksumMismatch 測試竄改偵測
func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	_, err := w.Append(Event{Type: EventSet, Key: "job_result:a", Value: []byte("ok")}, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("job_result:a"), []byte("job_result:b"), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = replayFile(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	assert.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "seq=1")
}

// TestReplayIgnoresTornTail 測試崩潰時寫到一半的紀錄
func TestReplayIgnoresTornTail(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	_, err := w.Append(Event{Type: EventPushTail, Key: "q", Value: []byte("x")}, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"PUSH_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var n int
	require.NoError(t, replayFile(path, func(Event) error { n++; return nil }))
	assert.Equal(t, 1, n)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, last.Seq)
}

// TestReplayCorruptedLine 測試中間損壞的紀錄
func TestReplayCorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wal")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	err := replayFile(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

// TestGetLastEventEmpty 測試空檔案
func TestGetLastEventEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

// TestValidate 測試統計與序號檢查
func TestValidate(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	w.EnsureSeq(10)
	for _, typ := range []EventType{EventPushTail, EventPushTail, EventPopHead, EventSet} {
		_, err := w.Append(Event{Type: typ, Key: "k"}, false)
		require.NoError(t, err)
	}

	stats, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEvents)
	assert.EqualValues(t, 11, stats.FirstSeq)
	assert.EqualValues(t, 14, stats.LastSeq)
	assert.Equal(t, 2, stats.EventTypes[EventPushTail])
}

// TestClosedWAL 測試關閉後操作
func TestClosedWAL(t *testing.T) {
	w, _ := openTestWAL(t, Options{})
	require.NoError(t, w.Close())
	_, err := w.Append(Event{Type: EventSet, Key: "k"}, false)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.NoError(t, w.Close(), "double close is a no-op")
}

// failingFile 在 fail 為 true 時拒絕寫入
type failingFile struct {
	FileInterface
	fail bool
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.fail {
		return 0, errors.New("disk full")
	}
	return f.FileInterface.Write(p)
}

// TestFailedAppendIsNotFlushedLater 測試寫入失敗的事件不會在之後的 flush 出現
func TestFailedAppendIsNotFlushedLater(t *testing.T) {
	w, path := openTestWAL(t, Options{BufferSize: 100, FlushInterval: time.Hour})

	_, err := w.Append(Event{Type: EventPushTail, Key: "job_queue", Value: []byte("a")}, false)
	require.NoError(t, err)

	ff := &failingFile{FileInterface: w.file, fail: true}
	w.file = ff
	seq, err := w.Append(Event{Type: EventPushTail, Key: "job_queue", Value: []byte("lost")}, true)
	require.ErrorContains(t, err, "disk full")
	assert.Zero(t, seq)
	assert.EqualValues(t, 1, w.LastSeq(), "failed append must not consume a seq")

	ff.fail = false
	seq, err = w.Append(Event{Type: EventPushTail, Key: "job_queue", Value: []byte("b")}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
	require.NoError(t, w.Close())

	var values []string
	var seqs []uint64
	require.NoError(t, replayFile(path, func(e Event) error {
		values = append(values, string(e.Value))
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, values)
	assert.Equal(t, []uint64{1, 2}, seqs)
}
