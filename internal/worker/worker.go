// ============================================================================
// Phonoscore Worker - 任務執行迴圈
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 從佇列取出任務、交給 Executor 執行，並套用成功 / 重試 / 永久失敗策略
//
// 執行模型:
//   每個 worker 程序只有一個合作式迴圈，一次執行一個任務；
//   水平擴展靠多個程序共用同一個佇列（原子 pop 保證同一項目只交給一個 worker）。
//
//   ┌──────────────────────────────────────────────┐
//   │ for ctx 未取消:                               │
//   │   job := Dequeue(1s)                          │
//   │   ├─ 無任務     → sleep IdleDelay (1s)        │
//   │   ├─ store 錯誤 → log + sleep ErrorBackoff (5s)│
//   │   └─ 取得任務   → process(job)                │
//   └──────────────────────────────────────────────┘
//
// 狀態轉移:
//   Queued → Processing → Completed
//                       → Retrying → Queued      (retry_count < max_retries)
//                       → PermanentlyFailed      (retry_count == max_retries)
//
// 取消:
//   Run 在 ctx 取消後結束；正在執行的任務以 context.WithoutCancel 繼續跑完，
//   結果照常寫入，不會被中途放棄。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/phonoscore/internal/queue"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

var log = slog.Default()

// Config worker 迴圈參數
type Config struct {
	WorkerID       string        // 寫入處理中標記的值；空字串時使用 hostname-pid
	DequeueTimeout time.Duration // 單次 Dequeue 的最長等待
	IdleDelay      time.Duration // 沒有任務時的休眠
	ErrorBackoff   time.Duration // 佇列或 store 出錯後的休眠
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		DequeueTimeout: time.Second,
		IdleDelay:      time.Second,
		ErrorBackoff:   5 * time.Second,
	}
}

// Worker 單一合作式任務迴圈
type Worker struct {
	cfg      Config
	source   JobSource
	exec     Executor
	recorder Recorder
	now      func() time.Time
}

// Option 設定 Worker
type Option func(*Worker)

// WithRecorder 回報指標；未設定時不記錄
func WithRecorder(r Recorder) Option {
	return func(w *Worker) {
		if r != nil {
			w.recorder = r
		}
	}
}

// New 建立 Worker，cfg 中為零的欄位使用 DefaultConfig 的值
func New(source JobSource, exec Executor, cfg Config, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	w := &Worker{
		cfg:      cfg,
		source:   source,
		exec:     exec,
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// ID 寫入處理中標記的 worker 識別
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run 執行迴圈直到 ctx 取消；取消時回傳 nil
func (w *Worker) Run(ctx context.Context) error {
	log.Info("Worker started", "workerID", w.cfg.WorkerID)
	defer log.Info("Worker stopped", "workerID", w.cfg.WorkerID)

	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case errors.Is(err, queue.ErrMalformedJob):
			// 項目已從佇列移除，直接取下一個
			log.Warn("Dropped malformed queue item", "error", err)
		case err != nil:
			log.Error("Queue error, backing off", "error", err, "backoff", w.cfg.ErrorBackoff)
			sleep(ctx, w.cfg.ErrorBackoff)
		case !processed:
			sleep(ctx, w.cfg.IdleDelay)
		}
	}
	return nil
}

// ProcessNext 執行一次迭代：取出至多一個任務並處理
//
// 回傳 processed=false 且 err=nil 表示佇列為空。回傳的錯誤只來自佇列 / store；
// 任務本身的失敗會轉成重試或永久失敗結果，不會出現在這裡。
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.source.Dequeue(ctx, w.cfg.DequeueTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	// 任務一旦離開佇列就要跑完並寫下結果
	return true, w.process(context.WithoutCancel(ctx), job)
}

func (w *Worker) process(ctx context.Context, job *types.Job) error {
	w.recorder.RecordDequeue()
	logger := log.With("jobID", job.ID, "attempt", job.RetryCount+1, "maxRetries", job.MaxRetries)

	if err := w.source.MarkProcessing(ctx, job.ID, w.cfg.WorkerID); err != nil {
		logger.Warn("Failed to set processing marker", "error", err)
	}

	start := w.now()
	data, execErr := w.exec.Execute(ctx, job)
	var result *types.JobResult
	if execErr == nil {
		result, execErr = types.NewSuccess(data)
	}
	elapsed := w.now().Sub(start).Seconds()

	if execErr == nil {
		if err := w.source.StoreResult(ctx, job.ID, result); err != nil {
			return errors.Join(err, w.clear(ctx, job.ID))
		}
		w.recorder.RecordCompleted(elapsed)
		if out, ok := data.(*types.ScoringOutput); ok {
			w.recorder.ObserveScore(out.OverallPct)
		}
		logger.Info("Job completed", "elapsed", elapsed)
		return w.clear(ctx, job.ID)
	}

	if job.CanRetry() {
		job.RetryCount++
		clearErr := w.clear(ctx, job.ID)
		if err := w.source.Requeue(ctx, job); err != nil {
			return errors.Join(err, clearErr)
		}
		w.recorder.RecordRetry(elapsed)
		logger.Warn("Job failed, requeued", "error", execErr, "retryCount", job.RetryCount)
		return clearErr
	}

	if err := w.source.StoreResult(ctx, job.ID, types.NewFailure(execErr.Error(), false)); err != nil {
		return errors.Join(err, w.clear(ctx, job.ID))
	}
	w.recorder.RecordDead(elapsed)
	logger.Error("Job permanently failed", "error", execErr)
	return w.clear(ctx, job.ID)
}

func (w *Worker) clear(ctx context.Context, id uuid.UUID) error {
	return w.source.ClearProcessing(ctx, id)
}

// sleep 等待 d 或 ctx 取消
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
