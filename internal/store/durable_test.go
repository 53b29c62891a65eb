package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phonoscore/internal/snapshot"
	"github.com/ChuLiYu/phonoscore/internal/storage/wal"
)

func durableOpts(dir string) DurableOptions {
	return DurableOptions{
		WALPath:      filepath.Join(dir, "store.wal"),
		SnapshotPath: filepath.Join(dir, "store.snapshot"),
		WAL:          wal.Options{SyncOnAppend: true},
	}
}

func drain(t *testing.T, s Store, key string) []string {
	t.Helper()
	var out []string
	for {
		item, err := s.PopHead(context.Background(), key, 0)
		require.NoError(t, err)
		if item == nil {
			return out
		}
		out = append(out, string(item))
	}
}

// TestDurableRecoversFromWAL 模擬崩潰：不呼叫 Close，只靠 WAL 恢復
func TestDurableRecoversFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := OpenDurable(durableOpts(dir))
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		_, err := d.PushTail(ctx, "job_queue", []byte(v))
		require.NoError(t, err)
	}
	_, err = d.PopHead(ctx, "job_queue", 0)
	require.NoError(t, err)
	require.NoError(t, d.SetEx(ctx, "job_result:a", []byte("done"), time.Hour))

	// 崩潰：停止背景循環但不做最後快照
	close(d.stopCh)
	d.loopWg.Wait()
	require.NoError(t, d.wal.Close())

	var replayed int
	opts := durableOpts(dir)
	opts.OnRecovered = func(_ time.Duration, n int) { replayed = n }
	recovered, err := OpenDurable(opts)
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(t, 5, replayed)
	v, err := recovered.Get(ctx, "job_result:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), v)
	assert.Equal(t, []string{"b", "c"}, drain(t, recovered, "job_queue"))
}

// TestDurableSnapshotThenWAL 快照 + 之後的 WAL 事件
func TestDurableSnapshotThenWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := OpenDurable(durableOpts(dir))
	require.NoError(t, err)
	_, _ = d.PushTail(ctx, "q", []byte("before"))
	require.NoError(t, d.TakeSnapshot())
	seqAtSnapshot := d.LastSeq()
	_, _ = d.PushTail(ctx, "q", []byte("after"))

	close(d.stopCh)
	d.loopWg.Wait()
	require.NoError(t, d.wal.Close())

	data, err := snapshot.NewManager(filepath.Join(dir, "store.snapshot")).Load()
	require.NoError(t, err)
	assert.Equal(t, seqAtSnapshot, data.LastSeq)

	recovered, err := OpenDurable(durableOpts(dir))
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(t, []string{"before", "after"}, drain(t, recovered, "q"))
	assert.Greater(t, recovered.LastSeq(), seqAtSnapshot, "sequence keeps growing after rotation")
}

// TestDurableSkipsEventsCoveredBySnapshot 快照寫入後、旋轉前崩潰
func TestDurableSkipsEventsCoveredBySnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := durableOpts(dir)

	w, err := wal.Open(opts.WALPath, opts.WAL)
	require.NoError(t, err)
	_, err = w.Append(wal.Event{Type: wal.EventPushTail, Key: "q", Value: []byte("x")}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	snap := snapshot.Empty()
	snap.Lists["q"] = [][]byte{[]byte("x")}
	snap.LastSeq = 1
	require.NoError(t, snapshot.NewManager(opts.SnapshotPath).Write(snap))

	d, err := OpenDurable(opts)
	require.NoError(t, err)
	defer d.Close()

	n, err := d.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "event already in snapshot must not be applied twice")
}

// TestDurableCloseTakesFinalSnapshot 正常關閉後 WAL 為空，狀態全在快照
func TestDurableCloseTakesFinalSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := OpenDurable(durableOpts(dir))
	require.NoError(t, err)
	_, _ = d.PushTail(ctx, "q", []byte("a"))
	require.NoError(t, d.SetEx(ctx, "job_processing:a", []byte("w1"), 0))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = wal.GetLastEvent(filepath.Join(dir, "store.wal"))
	assert.ErrorIs(t, err, wal.ErrEmptyWAL)

	var replayed = -1
	opts := durableOpts(dir)
	opts.OnRecovered = func(_ time.Duration, n int) { replayed = n }
	reopened, err := OpenDurable(opts)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Zero(t, replayed)
	ok, err := reopened.Exists(ctx, "job_processing:a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a"}, drain(t, reopened, "q"))
}

// TestDurableSnapshotLoop 定期快照
func TestDurableSnapshotLoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := durableOpts(dir)
	opts.SnapshotInterval = 20 * time.Millisecond

	d, err := OpenDurable(opts)
	require.NoError(t, err)
	defer d.Close()
	_, _ = d.PushTail(ctx, "q", []byte("a"))

	mgr := snapshot.NewManager(opts.SnapshotPath)
	require.Eventually(t, func() bool {
		data, err := mgr.Load()
		return err == nil && len(data.Lists["q"]) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
