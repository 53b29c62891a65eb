package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// JobSource worker 取任務與回報結果用到的佇列操作；*queue.Queue 滿足此介面
//
// 本地模式下背後是同一程序內的 durable store，分散式模式下是透過 gRPC 連到
// queue server 的 store.Remote，worker 本身不需區分。
type JobSource interface {
	// Dequeue 最多等待 timeout；沒有任務時回傳 (nil, nil)
	Dequeue(ctx context.Context, timeout time.Duration) (*types.Job, error)

	// Requeue 放回需要重試的任務
	Requeue(ctx context.Context, job *types.Job) error

	// StoreResult 寫入終結結果（成功或永久失敗）
	StoreResult(ctx context.Context, id uuid.UUID, result *types.JobResult) error

	MarkProcessing(ctx context.Context, id uuid.UUID, workerID string) error
	ClearProcessing(ctx context.Context, id uuid.UUID) error
}

// Executor 執行單一任務，回傳寫入 Success{data} 的資料
type Executor interface {
	Execute(ctx context.Context, job *types.Job) (any, error)
}

// Recorder worker 回報的指標；*metrics.Collector 滿足此介面
type Recorder interface {
	RecordDequeue()
	RecordCompleted(latencySeconds float64)
	RecordRetry(latencySeconds float64)
	RecordDead(latencySeconds float64)
	ObserveScore(overallPct float64)
}

type noopRecorder struct{}

func (noopRecorder) RecordDequeue()          {}
func (noopRecorder) RecordCompleted(float64) {}
func (noopRecorder) RecordRetry(float64)     {}
func (noopRecorder) RecordDead(float64)      {}
func (noopRecorder) ObserveScore(float64)    {}
