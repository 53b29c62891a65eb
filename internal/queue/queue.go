// Package queue 在 store 之上實作任務佇列：
// FIFO 的待處理 list、帶 TTL 的結果、以及「處理中」標記。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/phonoscore/internal/store"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

const (
	DefaultQueueKey      = "job_queue"
	DefaultResultTTL     = 3600 * time.Second
	DefaultProcessingTTL = 10 * time.Minute

	resultPrefix     = "job_result:"
	processingPrefix = "job_processing:"
)

// ErrMalformedJob 佇列中的項目無法解析為 Job
var ErrMalformedJob = errors.New("queue: malformed job")

// RetryPosition 重試任務放回佇列的位置
type RetryPosition string

const (
	RetryTail RetryPosition = "tail" // 排到最後（預設，避免一直失敗的任務擋住新任務）
	RetryHead RetryPosition = "head" // 插到最前，下一個就處理
)

// Options 佇列設定
type Options struct {
	QueueKey      string
	ResultTTL     time.Duration
	ProcessingTTL time.Duration // 處理中標記的存活時間，0 = 不過期
	RetryPosition RetryPosition
}

// DefaultOptions 預設設定
func DefaultOptions() Options {
	return Options{
		QueueKey:      DefaultQueueKey,
		ResultTTL:     DefaultResultTTL,
		ProcessingTTL: DefaultProcessingTTL,
		RetryPosition: RetryTail,
	}
}

// Queue 任務佇列
type Queue struct {
	store store.Store
	opts  Options
}

// New 建立佇列；未設定的欄位使用預設值
func New(s store.Store, opts Options) *Queue {
	def := DefaultOptions()
	if opts.QueueKey == "" {
		opts.QueueKey = def.QueueKey
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = def.ResultTTL
	}
	if opts.RetryPosition == "" {
		opts.RetryPosition = def.RetryPosition
	}
	return &Queue{store: s, opts: opts}
}

// Options 回傳生效中的設定
func (q *Queue) Options() Options { return q.opts }

// ResultKey 結果的 key
func ResultKey(id uuid.UUID) string { return resultPrefix + id.String() }

// ProcessingKey 處理中標記的 key
func ProcessingKey(id uuid.UUID) string { return processingPrefix + id.String() }

// ============================================================================
// 佇列操作
// ============================================================================

// Enqueue 將任務推入佇列尾端
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if _, err := q.store.PushTail(ctx, q.opts.QueueKey, raw); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue 從佇列頭部取出任務，最多等待 timeout；逾時回傳 (nil, nil)
//
// 無法解析的項目已從佇列移除，回傳 ErrMalformedJob。
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.Job, error) {
	raw, err := q.store.PopHead(ctx, q.opts.QueueKey, timeout)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return &job, nil
}

// Requeue 將重試的任務放回佇列（位置依 RetryPosition）
func (q *Queue) Requeue(ctx context.Context, job *types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if q.opts.RetryPosition == RetryHead {
		_, err = q.store.PushHead(ctx, q.opts.QueueKey, raw)
	} else {
		_, err = q.store.PushTail(ctx, q.opts.QueueKey, raw)
	}
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Len 佇列中等待的任務數
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx, q.opts.QueueKey)
}

// Pending 回傳佇列前 limit 個任務（limit <= 0 表示全部），不移除
func (q *Queue) Pending(ctx context.Context, limit int) ([]*types.Job, error) {
	stop := -1
	if limit > 0 {
		stop = limit - 1
	}
	items, err := q.store.Range(ctx, q.opts.QueueKey, 0, stop)
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(items))
	for _, raw := range items {
		var job types.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// ============================================================================
// 結果與處理中標記
// ============================================================================

// StoreResult 寫入結果（TTL = ResultTTL）
func (q *Queue) StoreResult(ctx context.Context, id uuid.UUID, result *types.JobResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", id, err)
	}
	if err := q.store.SetEx(ctx, ResultKey(id), raw, q.opts.ResultTTL); err != nil {
		return fmt.Errorf("store result %s: %w", id, err)
	}
	return nil
}

// GetResult 讀取結果；不存在或已過期時回傳 (nil, nil)
func (q *Queue) GetResult(ctx context.Context, id uuid.UUID) (*types.JobResult, error) {
	raw, err := q.store.Get(ctx, ResultKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	var result types.JobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &result, nil
}

// IsCompleted 是否已有結果（成功或永久失敗）
func (q *Queue) IsCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.store.Exists(ctx, ResultKey(id))
}

// MarkProcessing 設定處理中標記，值為 worker ID
func (q *Queue) MarkProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	if err := q.store.SetEx(ctx, ProcessingKey(id), []byte(workerID), q.opts.ProcessingTTL); err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	return nil
}

// ClearProcessing 清除處理中標記
func (q *Queue) ClearProcessing(ctx context.Context, id uuid.UUID) error {
	if err := q.store.Del(ctx, ProcessingKey(id)); err != nil {
		return fmt.Errorf("clear processing %s: %w", id, err)
	}
	return nil
}

// IsProcessing 是否有 worker 正在處理
func (q *Queue) IsProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return q.store.Exists(ctx, ProcessingKey(id))
}

// State 推算任務目前的狀態
//
// 依序檢查結果、處理中標記、佇列內容；都找不到時回傳 ("", nil, nil)，
// 代表任務不存在或結果已過期。
func (q *Queue) State(ctx context.Context, id uuid.UUID) (types.JobState, *types.JobResult, error) {
	result, err := q.GetResult(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if result != nil {
		if result.IsSuccess() {
			return types.StateCompleted, result, nil
		}
		return types.StateFailed, result, nil
	}

	processing, err := q.IsProcessing(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if processing {
		return types.StateProcessing, nil, nil
	}

	pending, err := q.Pending(ctx, 0)
	if err != nil {
		return "", nil, err
	}
	for _, job := range pending {
		if job.ID == id {
			return types.StateQueued, nil, nil
		}
	}
	return "", nil, nil
}
