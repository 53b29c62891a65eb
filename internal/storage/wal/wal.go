package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 store 變更事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復 store 狀態
// 3. 支援日誌旋轉（快照後清空），序號跨旋轉持續遞增
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options WAL 設定
type Options struct {
	SyncOnAppend    bool          // 每次 Append 都 flush + fsync
	BufferSize      int           // 批次緩衝事件數（預設 1000）
	FlushInterval   time.Duration // 超過此時間未 flush 則下次 Append 強制 flush（預設 1s）
	RetainRotated   int           // 保留多少個旋轉後的舊檔（0 = 全部刪除）
	CompressRotated bool          // 旋轉後的舊檔以 gzip 壓縮
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	closed  bool
	opts    Options

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	// 若檔案非空，讀取最後一個事件以取得 seq
	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		switch {
		case err == nil:
			seq = last.Seq
		case errors.Is(err, ErrEmptyWAL):
		default:
			file.Close()
			return nil, fmt.Errorf("read last event: %w", err)
		}
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq，填入 Timestamp 與 Checksum
// - 先進入 buffer；buffer 滿、超過 flush 間隔、SyncOnAppend 或 force 時寫入並 fsync
// - 寫入失敗時此事件從 buffer 移除、seq 回退，之後的 flush 不會再寫出它
//
// 回傳：
//
//	事件實際取得的 seq，錯誤（如果寫入失敗）
func (w *WAL) Append(event Event, force bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := force || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			w.dropPending(event.Seq)
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案（先 flush buffer）
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，遇到錯誤立即停止
// - 檔尾被截斷的半筆紀錄（崩潰時寫到一半）會被略過
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

// EnsureSeq 確保下一個事件的 seq 大於 min
//
// 用途：旋轉後 WAL 為空，重啟時需以快照的 LastSeq 接續編號
func (w *WAL) EnsureSeq(min uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < min {
		w.seq = min
	}
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 <path>.<timestamp>（可選 gzip），再開新檔案。
// seq 不歸零。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.opts.CompressRotated {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			slog.Warn("Failed to compress rotated WAL", "path", backupPath, "error", err)
		} else {
			os.Remove(backupPath)
		}
	}
	return w.pruneRotated()
}

// Close 關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// LastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
//
// 整批編碼後一次寫入；編碼或寫入失敗時 buffer 保持不變。
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	var batch bytes.Buffer
	enc := json.NewEncoder(&batch)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode wal event %d: %w", event.Seq, err)
		}
	}
	if _, err := w.file.Write(batch.Bytes()); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// dropPending 移除 Append 失敗、仍在 buffer 尾端的事件。
// 已寫出（僅 fsync 失敗）的事件留在檔案中，seq 不回退。
func (w *WAL) dropPending(seq uint64) {
	n := len(w.buffer)
	if n == 0 || w.buffer[n-1].Seq != seq {
		return
	}
	w.buffer = w.buffer[:n-1]
	w.seq--
}

// pruneRotated 只保留最近 RetainRotated 個旋轉檔
func (w *WAL) pruneRotated() error {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return err
	}
	// 時間戳格式可直接字典序排序
	sort.Strings(matches)
	excess := len(matches) - w.opts.RetainRotated
	for i := 0; i < excess; i++ {
		if err := os.Remove(matches[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("Ignoring torn WAL tail", "path", path, "after_seq", lastSeq)
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
	return nil
}

// compressWALFile gzip 壓縮 WAL 檔案
// 只在檔案旋轉時進行壓縮，避免每次寫入都壓縮
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		dstFile.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
