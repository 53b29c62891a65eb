// ============================================================================
// Phonoscore Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露任務佇列與評分的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - phonoscore_jobs_enqueued_total: 入隊任務總數
//      - phonoscore_jobs_dequeued_total: 被 worker 取出的任務總數
//      - phonoscore_jobs_completed_total: 成功完成的任務總數
//      - phonoscore_jobs_retried_total: 失敗後重新排隊的次數
//      - phonoscore_jobs_dead_total: 重試耗盡、永久失敗的任務總數
//
//   2. 分佈 (Histogram)：
//      - phonoscore_job_latency_seconds: 單一任務執行時間
//      - phonoscore_score_overall_pct: overall_pct 分佈（0..100，每 10 一桶）
//
//   3. 狀態 (Gauge)：
//      - phonoscore_queue_depth: 佇列中等待的任務數
//      - phonoscore_jobs_in_flight: 執行中的任務數
//      - phonoscore_recovery_time_seconds: 最近一次 store 恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(phonoscore_jobs_completed_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, phonoscore_job_latency_seconds_bucket)
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phonoscore"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued  prometheus.Counter
	jobsDequeued  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsDead      prometheus.Counter

	// 效能指標
	jobLatency   prometheus.Histogram
	scorePct     prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	queueDepth   prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}),
		jobsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dequeued_total",
			Help:      "Total number of jobs taken off the queue by workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of failed executions that were requeued",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_total",
			Help:      "Total number of jobs that exhausted their retries",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Job execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		scorePct: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_overall_pct",
			Help:      "Distribution of overall pronunciation scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last store recovery in seconds",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of executing jobs",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDequeued,
		c.jobsCompleted,
		c.jobsRetried,
		c.jobsDead,
		c.jobLatency,
		c.scorePct,
		c.recoveryTime,
		c.queueDepth,
		c.jobsInFlight,
	)
	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordDequeue 記錄 worker 取出任務
func (c *Collector) RecordDequeue() {
	c.jobsDequeued.Inc()
	c.jobsInFlight.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
	c.jobsInFlight.Dec()
}

// RecordRetry 記錄任務失敗後重新排隊
func (c *Collector) RecordRetry(latencySeconds float64) {
	c.jobsRetried.Inc()
	c.jobLatency.Observe(latencySeconds)
	c.jobsInFlight.Dec()
}

// RecordDead 記錄任務永久失敗
func (c *Collector) RecordDead(latencySeconds float64) {
	c.jobsDead.Inc()
	c.jobLatency.Observe(latencySeconds)
	c.jobsInFlight.Dec()
}

// ObserveScore 記錄一次評分結果
func (c *Collector) ObserveScore(overallPct float64) {
	c.scorePct.Observe(overallPct)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetQueueDepth 更新佇列長度
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// WatchQueueDepth 每隔 interval 呼叫 depth 更新 queue_depth，直到 ctx 結束
func (c *Collector) WatchQueueDepth(ctx context.Context, interval time.Duration, depth func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := depth(ctx); err == nil {
			c.SetQueueDepth(n)
		} else if ctx.Err() == nil {
			slog.Warn("Queue depth check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Handler 以 gatherer 的內容回應 /metrics；gatherer 為 nil 時使用 DefaultGatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，ctx 結束時關閉
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
