package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/phonoscore/internal/catalog"
	"github.com/ChuLiYu/phonoscore/internal/metrics"
	"github.com/ChuLiYu/phonoscore/internal/queue"
	"github.com/ChuLiYu/phonoscore/internal/server"
	"github.com/ChuLiYu/phonoscore/internal/store"
)

const queueDepthInterval = 5 * time.Second

func (a *app) buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the durable queue server",
		Long:  "Recover the queue from its snapshot and WAL, open the catalog at kv.dir, then serve both over gRPC with a health service and optional Prometheus metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	durable, err := a.openDurable(collector.SetRecoveryTime)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer func() {
		if err := durable.Close(); err != nil {
			slog.Error("Failed to close queue store", "error", err)
		}
	}()

	db, err := a.openKV()
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close catalog", "error", err)
		}
	}()

	q := queue.New(durable, a.queueOptions())
	a.startMetrics(ctx, reg, collector, q)

	slog.Info("Queue server starting", "addr", addr,
		"wal", a.cfg.WAL.Path, "snapshot", a.cfg.Snapshot.Path, "catalog", a.cfg.KV.Dir)
	return a.newServer(durable, collector, catalog.New(db)).ListenAndServe(ctx, addr)
}

// newServer serves the queue store (counting fresh enqueues) and the catalog.
func (a *app) newServer(st store.Store, collector *metrics.Collector, cat *catalog.Catalog) *server.Server {
	counted := &countingStore{Store: st, queueKey: a.cfg.Queue.Key, onEnqueue: collector.RecordEnqueue}
	return server.New(counted, server.WithCatalog(cat))
}

// newRegistry is a registry with the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (a *app) startMetrics(ctx context.Context, reg *prometheus.Registry, c *metrics.Collector, q *queue.Queue) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.Metrics.Addr, reg); err != nil {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	go c.WatchQueueDepth(ctx, queueDepthInterval, q.Len)
}

// countingStore counts fresh pushes onto the job list. Requeued jobs carry
// retry_count > 0 and are not counted.
type countingStore struct {
	store.Store
	queueKey  string
	onEnqueue func()
}

func (s *countingStore) PushTail(ctx context.Context, key string, value []byte) (int, error) {
	n, err := s.Store.PushTail(ctx, key, value)
	s.count(key, value, err)
	return n, err
}

func (s *countingStore) PushHead(ctx context.Context, key string, value []byte) (int, error) {
	n, err := s.Store.PushHead(ctx, key, value)
	s.count(key, value, err)
	return n, err
}

func (s *countingStore) count(key string, value []byte, err error) {
	if err != nil || key != s.queueKey {
		return
	}
	var peek struct {
		RetryCount uint32 `json:"retry_count"`
	}
	if json.Unmarshal(value, &peek) == nil && peek.RetryCount == 0 {
		s.onEnqueue()
	}
}
