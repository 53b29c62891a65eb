package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/phonoscore/internal/audio"
	"github.com/ChuLiYu/phonoscore/internal/catalog"
	"github.com/ChuLiYu/phonoscore/internal/media"
	"github.com/ChuLiYu/phonoscore/internal/metrics"
	"github.com/ChuLiYu/phonoscore/internal/notify"
	"github.com/ChuLiYu/phonoscore/internal/queue"
	"github.com/ChuLiYu/phonoscore/internal/scoring"
	"github.com/ChuLiYu/phonoscore/internal/server"
	"github.com/ChuLiYu/phonoscore/internal/store"
	"github.com/ChuLiYu/phonoscore/internal/worker"
)

func (a *app) buildWorkerCommand() *cobra.Command {
	var standalone bool
	var addr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a scoring worker",
		Long: `Run the worker loop against the queue server at --addr (default queue.addr).
With --standalone the worker opens the local WAL + snapshot store and the
catalog at kv.dir itself, and
also serves both on server.addr so jobs can still be enqueued remotely.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runWorker(ctx, standalone, addr)
		},
	}

	cmd.Flags().BoolVar(&standalone, "standalone", false, "use an in-process durable queue instead of a queue server")
	cmd.Flags().StringVar(&addr, "addr", "", "queue server address (default queue.addr)")
	return cmd
}

func (a *app) runWorker(ctx context.Context, standalone bool, addr string) error {
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	var (
		backend store.Store
		cat     catalog.API
	)
	if standalone {
		durable, err := a.openDurable(collector.SetRecoveryTime)
		if err != nil {
			return fmt.Errorf("open queue store: %w", err)
		}
		defer durable.Close()
		db, err := a.openKV()
		if err != nil {
			return err
		}
		defer db.Close()

		local := catalog.New(db)
		backend, cat = durable, local

		srv := a.newServer(durable, collector, local)
		go func() {
			if err := srv.ListenAndServe(ctx, a.cfg.Server.Addr); err != nil {
				slog.Error("Queue server error", "error", err)
			}
		}()
	} else {
		client, err := a.dialQueue(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		backend, cat = client.store, client.catalog
	}

	q := queue.New(backend, a.queueOptions())
	a.startMetrics(ctx, reg, collector, q)

	pipeline, closePipeline, err := a.buildPipeline(ctx, cat)
	if err != nil {
		return err
	}
	defer closePipeline()

	w := worker.New(q, pipeline, worker.Config{
		WorkerID:       a.cfg.Worker.ID,
		DequeueTimeout: a.cfg.Worker.DequeueTimeout,
		IdleDelay:      a.cfg.Worker.IdleDelay,
		ErrorBackoff:   a.cfg.Worker.ErrorBackoff,
	}, worker.WithRecorder(collector))

	return w.Run(ctx)
}

func (a *app) resampleMode() audio.ResampleMode {
	return audio.ResampleMode(a.cfg.Audio.Resample)
}

// s3Client is nil when no bucket is configured.
func (a *app) s3Client() media.S3Client {
	s3cfg := a.cfg.Storage.S3
	if s3cfg.Bucket == "" {
		return nil
	}
	return media.NewS3Client(media.S3Config{
		Region:          s3cfg.Region,
		Endpoint:        s3cfg.Endpoint,
		UsePathStyle:    s3cfg.UsePathStyle,
		AccessKeyID:     s3cfg.AccessKeyID,
		SecretAccessKey: s3cfg.SecretAccessKey,
	})
}

// referenceStore is the configured S3 bucket, or the local media root.
func (a *app) referenceStore(client media.S3Client) media.FileStore {
	if client != nil {
		return media.NewS3(client, a.cfg.Storage.S3.Bucket, a.cfg.Storage.S3.Prefix)
	}
	return media.NewLocal(a.cfg.Storage.MediaDir)
}

// buildPipeline wires the collaborators from the configuration; cat is the
// shared catalog (local in standalone mode, remote otherwise).
func (a *app) buildPipeline(ctx context.Context, cat catalog.API) (*worker.Pipeline, func(), error) {
	mode := a.resampleMode()
	client := a.s3Client()

	fetchOpts := []media.FetcherOption{media.WithResampleMode(mode)}
	if client != nil {
		fetchOpts = append(fetchOpts, media.WithS3(client))
	}

	var closers []func() error
	var notifier worker.Notifier = notify.NewLog(nil)
	if a.cfg.Notify.AMQPURL != "" {
		n, err := notify.Dial(ctx, a.cfg.Notify.AMQPURL, a.cfg.Notify.Exchange)
		if err != nil {
			return nil, nil, err
		}
		notifier = n
		closers = append(closers, n.Close)
	}

	closeAll := func() {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		if err := errors.Join(errs...); err != nil {
			slog.Warn("Error closing worker resources", "error", err)
		}
	}

	return &worker.Pipeline{
		Audio:      media.NewFetcher(media.NewLocal(a.cfg.Storage.MediaDir), fetchOpts...),
		References: media.NewReferenceLibrary(a.referenceStore(client), mode),
		Scorer:     scoring.New(nil, scoring.WithResampleMode(mode)),
		Scores:     cat,
		Notifier:   notifier,
		Words:      cat,
		Index:      cat,
	}, closeAll, nil
}
