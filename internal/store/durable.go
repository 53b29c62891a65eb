package store

// ============================================================================
// 持久化實作
// 職責：
// 1. 每個變更先寫 WAL，再修改記憶體狀態（Write-Ahead）
// 2. 啟動時恢復：loadSnapshot -> replayWAL（只重放 seq > LastSeq 的事件）
// 3. 定期快照並旋轉 WAL；定期 flush WAL 緩衝
// 4. Close 時做最後一次快照
// ============================================================================

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/phonoscore/internal/snapshot"
	"github.com/ChuLiYu/phonoscore/internal/storage/wal"
)

var log = slog.Default()

// DurableOptions Durable store 設定
type DurableOptions struct {
	WALPath          string
	SnapshotPath     string
	WAL              wal.Options
	SnapshotInterval time.Duration // 0 = 不做定期快照（Close 時仍會做）
	FlushInterval    time.Duration // WAL 緩衝定期 flush 間隔（預設 200ms）
	CompressSnapshot bool

	// OnRecovered 恢復完成後呼叫（耗時、重放事件數）
	OnRecovered func(elapsed time.Duration, replayed int)
}

// Durable 以 WAL + 快照保護的 Memory store
type Durable struct {
	*Memory

	wal      *wal.WAL
	snapshot *snapshot.Manager
	opts     DurableOptions

	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*Durable)(nil)

// OpenDurable 開啟（或建立）持久化 store 並完成崩潰恢復
func OpenDurable(opts DurableOptions) (*Durable, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	start := time.Now()

	mgr := snapshot.NewManager(opts.SnapshotPath).WithCompression(opts.CompressSnapshot)
	data, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	mem := NewMemory()
	mem.Restore(data)

	w, err := wal.Open(opts.WALPath, opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	w.EnsureSeq(data.LastSeq)

	// 快照寫入後、WAL 旋轉前崩潰時，WAL 內會有 seq <= LastSeq 的事件，需跳過
	replayed := 0
	err = w.Replay(func(e wal.Event) error {
		if e.Seq <= data.LastSeq {
			return nil
		}
		replayed++
		return mem.Apply(e)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}

	d := &Durable{
		Memory:   mem,
		wal:      w,
		snapshot: mgr,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
	mem.setJournal(func(e wal.Event) error {
		_, err := w.Append(e, false)
		return err
	})

	elapsed := time.Since(start)
	if elapsed > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", elapsed)
	}
	log.Info("Store recovered",
		"duration", elapsed,
		"snapshot_seq", data.LastSeq,
		"replayed_events", replayed,
		"lists", len(data.Lists),
		"values", len(data.Values))
	if opts.OnRecovered != nil {
		opts.OnRecovered(elapsed, replayed)
	}

	d.loopWg.Add(1)
	go d.flushLoop()
	if opts.SnapshotInterval > 0 {
		d.loopWg.Add(1)
		go d.snapshotLoop()
	}
	return d, nil
}

// TakeSnapshot 寫入快照並旋轉 WAL
//
// 整個過程持有狀態鎖：匯出、寫檔、旋轉之間不會有新事件進入 WAL，
// 因此旋轉掉的舊 WAL 內容必定已包含在快照中。
func (d *Durable) TakeSnapshot() error {
	start := time.Now()
	var lists, values int

	err := d.Memory.withLock(func() error {
		if d.Memory.closed {
			return ErrStoreClosed
		}
		data := d.Memory.exportLocked()
		data.LastSeq = d.wal.LastSeq()
		lists, values = len(data.Lists), len(data.Values)

		if err := d.snapshot.Write(data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if err := d.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"lists", lists,
		"values", values)
	return nil
}

// LastSeq WAL 目前的序號
func (d *Durable) LastSeq() uint64 {
	return d.wal.LastSeq()
}

// Close 停止背景循環、做最後一次快照、關閉 WAL
func (d *Durable) Close() error {
	d.closeOnce.Do(func() {
		close(d.stopCh)
		d.loopWg.Wait()

		if err := d.TakeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
			d.closeErr = err
		}
		if err := d.Memory.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
		if err := d.wal.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
		log.Info("Store closed")
	})
	return d.closeErr
}

// ============================================================================
// 背景循環
// ============================================================================

func (d *Durable) flushLoop() {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.wal.Flush(); err != nil {
				log.Error("Failed to flush WAL", "error", err)
			}
		}
	}
}

func (d *Durable) snapshotLoop() {
	defer d.loopWg.Done()
	ticker := time.NewTicker(d.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := d.TakeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}
