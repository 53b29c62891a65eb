// ============================================================================
// Phonoscore CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the queue server, workers and operator tools
//
// Command Structure:
//   phonoscore                     # Root command
//   ├── serve                      # Durable queue server (gRPC + health + metrics)
//   ├── worker [--standalone]      # Scoring worker loop
//   ├── enqueue -f jobs.json       # Submit jobs from a file
//   │   ├── score                  # Submit one PronunciationScoring job
//   │   └── index                  # Submit one SearchIndexUpdate job
//   ├── result <job-id>            # Show job state and stored result
//   ├── score <user.wav> <ref.wav> # Offline scoring, JSON output
//   ├── word add                   # Add a word to the catalog
//   ├── reference add              # Store a reference clip
//   └── status                     # Configuration and queue status
//
// Configuration:
//   --config (default configs/default.yaml) is read with internal/config;
//   a .env file in the working directory is loaded first so its variables
//   can override file values.
//
// Signal Handling:
//   serve and worker stop on SIGINT / SIGTERM. The worker finishes its
//   in-flight job; serve takes a final snapshot before exiting.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/phonoscore/internal/catalog"
	"github.com/ChuLiYu/phonoscore/internal/config"
	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/internal/queue"
	"github.com/ChuLiYu/phonoscore/internal/store"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

// app holds what every subcommand needs after the root pre-run.
type app struct {
	configFile string
	cfg        *config.Config
}

func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "phonoscore",
		Short: "Phonoscore: pronunciation scoring pipeline and durable job queue",
		Long: `Phonoscore scores a learner's recording against a reference pronunciation:
- MFCC feature extraction and DTW alignment
- WAL + snapshot backed job queue served over gRPC
- retrying scoring workers with S3, badger and RabbitMQ collaborators`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(
		a.buildServeCommand(),
		a.buildWorkerCommand(),
		a.buildEnqueueCommand(),
		a.buildResultCommand(),
		a.buildScoreCommand(),
		a.buildWordCommand(),
		a.buildReferenceCommand(),
		a.buildStatusCommand(),
	)

	return rootCmd
}

func (a *app) load(logOut io.Writer) error {
	// .env 不存在是正常情況
	_ = godotenv.Load()

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) queueOptions() queue.Options {
	return queue.Options{
		QueueKey:      a.cfg.Queue.Key,
		ResultTTL:     a.cfg.Queue.ResultTTL,
		ProcessingTTL: a.cfg.Queue.ProcessingTTL,
		RetryPosition: queue.RetryPosition(a.cfg.Queue.RetryPosition),
	}
}

// queueClient is one connection to the queue server, carrying both the list
// store and the catalog service.
type queueClient struct {
	conn    *grpc.ClientConn
	store   *store.Remote
	queue   *queue.Queue
	catalog *catalog.Remote
}

func (c *queueClient) Close() error { return c.conn.Close() }

// dialQueue connects to the queue server at addr (or queue.addr when empty).
func (a *app) dialQueue(addr string) (*queueClient, error) {
	addr = a.queueAddr(addr)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to queue %s: %w", addr, err)
	}
	remote := store.NewRemote(conn, a.cfg.Queue.CallTimeout)
	return &queueClient{
		conn:    conn,
		store:   remote,
		queue:   queue.New(remote, a.queueOptions()),
		catalog: catalog.NewRemote(conn, a.cfg.Queue.CallTimeout),
	}, nil
}

// openKV opens the Badger catalog directory. Badger locks the directory, so
// only the process serving the queue opens it; everyone else goes through
// queueClient.catalog.
func (a *app) openKV() (*kv.Badger, error) {
	db, err := kv.OpenBadger(kv.BadgerOptions{Dir: a.cfg.KV.Dir, InMemory: a.cfg.KV.InMemory})
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	return db, nil
}

// openDurable opens the local WAL + snapshot store.
func (a *app) openDurable(onRecovered func(elapsed float64)) (*store.Durable, error) {
	opts := store.DurableOptions{
		WALPath:          a.cfg.WAL.Path,
		SnapshotPath:     a.cfg.Snapshot.Path,
		SnapshotInterval: a.cfg.Snapshot.Interval,
		FlushInterval:    a.cfg.WAL.FlushInterval,
		CompressSnapshot: a.cfg.Snapshot.Compress,
	}
	opts.WAL.SyncOnAppend = a.cfg.WAL.SyncOnAppend
	opts.WAL.BufferSize = a.cfg.WAL.BufferSize
	opts.WAL.FlushInterval = a.cfg.WAL.FlushInterval
	opts.WAL.RetainRotated = a.cfg.WAL.RetainRotated
	opts.WAL.CompressRotated = a.cfg.WAL.CompressRotated
	if onRecovered != nil {
		opts.OnRecovered = func(elapsed time.Duration, _ int) { onRecovered(elapsed.Seconds()) }
	}
	return store.OpenDurable(opts)
}
