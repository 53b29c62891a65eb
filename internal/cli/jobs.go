package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/phonoscore/internal/queue"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// ============================================================================
// enqueue
// ============================================================================

func (a *app) buildEnqueueCommand() *cobra.Command {
	var jobFile string
	var addr string
	var maxRetries uint32

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long: `Read job definitions from a JSON file and push them onto the queue.

The file holds an array of jobs in queue wire format. id and created_at are
filled in when missing, max_retries defaults to --max-retries:

  [
    {"job_type": {"PronunciationScoring": {"recording_id": "r1", "word_id": "w1",
                  "dialect": "taipei", "audio_url": "s3://recordings/r1.wav"}}},
    {"job_type": {"SearchIndexUpdate": {"word_id": "w1"}}, "max_retries": 1}
  ]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			data, err := os.ReadFile(jobFile)
			if err != nil {
				return fmt.Errorf("failed to read job file: %w", err)
			}
			jobs, err := parseJobFile(data, maxRetries)
			if err != nil {
				return err
			}
			return a.withQueue(addr, func(q *queue.Queue) error {
				return enqueueJobs(cmd.Context(), q, jobs, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "queue server address (default queue.addr)")
	cmd.PersistentFlags().Uint32Var(&maxRetries, "max-retries", types.DefaultMaxRetries, "retry budget for new jobs")

	cmd.AddCommand(a.buildEnqueueScoreCommand(&addr, &maxRetries))
	cmd.AddCommand(a.buildEnqueueIndexCommand(&addr, &maxRetries))
	return cmd
}

func (a *app) buildEnqueueScoreCommand(addr *string, maxRetries *uint32) *cobra.Command {
	var job types.PronunciationScoring

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Enqueue one pronunciation scoring job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQueue(*addr, func(q *queue.Queue) error {
				return enqueueJobs(cmd.Context(), q, []*types.Job{types.NewJob(job, *maxRetries)}, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&job.RecordingID, "recording", "", "recording id")
	cmd.Flags().StringVar(&job.WordID, "word", "", "word id")
	cmd.Flags().StringVar(&job.Dialect, "dialect", "", "dialect of the reference pronunciation")
	cmd.Flags().StringVar(&job.AudioURL, "audio", "", "recording URL (s3://, http(s)://, file:// or media-relative path)")
	for _, name := range []string{"recording", "word", "dialect", "audio"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) buildEnqueueIndexCommand(addr *string, maxRetries *uint32) *cobra.Command {
	var job types.SearchIndexUpdate

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Enqueue one search index update job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withQueue(*addr, func(q *queue.Queue) error {
				return enqueueJobs(cmd.Context(), q, []*types.Job{types.NewJob(job, *maxRetries)}, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&job.WordID, "word", "", "word id")
	cmd.MarkFlagRequired("word")
	return cmd
}

// parseJobFile decodes an array of jobs and fills in missing identity fields.
func parseJobFile(data []byte, defaultMaxRetries uint32) ([]*types.Job, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	now := time.Now().UTC()
	jobs := make([]*types.Job, 0, len(raws))
	for i, raw := range raws {
		var job types.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		var present struct {
			MaxRetries *uint32 `json:"max_retries"`
		}
		if err := json.Unmarshal(raw, &present); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}

		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		if present.MaxRetries == nil {
			job.MaxRetries = defaultMaxRetries
		}
		if job.RetryCount > job.MaxRetries {
			return nil, fmt.Errorf("job %d: retry_count %d exceeds max_retries %d", i, job.RetryCount, job.MaxRetries)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func enqueueJobs(ctx context.Context, q *queue.Queue, jobs []*types.Job, out io.Writer) error {
	for _, job := range jobs {
		if err := q.Enqueue(ctx, job); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Enqueued %s\n", job.ID)
	}
	fmt.Fprintf(out, "\nSuccessfully enqueued %d jobs\n", len(jobs))
	return nil
}

// withQueue dials the queue server for the duration of fn.
func (a *app) withQueue(addr string, fn func(q *queue.Queue) error) error {
	client, err := a.dialQueue(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client.queue)
}

// ============================================================================
// result
// ============================================================================

// jobStatus is the JSON printed by `result`.
type jobStatus struct {
	ID     uuid.UUID        `json:"id"`
	State  string           `json:"state"`
	Result *types.JobResult `json:"result,omitempty"`
}

func (a *app) buildResultCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Show the state and stored result of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return a.withQueue(addr, func(q *queue.Queue) error {
				return printResult(cmd.Context(), q, id, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "queue server address (default queue.addr)")
	return cmd
}

func printResult(ctx context.Context, q *queue.Queue, id uuid.UUID, out io.Writer) error {
	state, result, err := q.State(ctx, id)
	if err != nil {
		return err
	}
	status := jobStatus{ID: id, State: string(state), Result: result}
	if state == "" {
		// 不存在或結果已過期
		status.State = "unknown"
	}
	return writeJSON(out, status)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display configuration and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			a.printConfig(out)

			client, err := a.dialQueue(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Queue.CallTimeout)
			defer cancel()
			serving, err := client.store.Health(ctx)
			if err != nil || serving != healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintf(out, "📊 Queue:\n  └─ ⚠️  Not reachable at %s\n\n", a.queueAddr(addr))
				return nil
			}
			return printQueueStatus(ctx, client.queue, out)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "queue server address (default queue.addr)")
	return cmd
}

func (a *app) queueAddr(addr string) string {
	if addr != "" {
		return addr
	}
	return a.cfg.Queue.Addr
}

func (a *app) printConfig(out io.Writer) {
	cfg := a.cfg
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Phonoscore System Status                        ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", a.configFile)
	fmt.Fprintf(out, "  ├─ Queue Key:       %s\n", cfg.Queue.Key)
	fmt.Fprintf(out, "  ├─ Result TTL:      %s\n", cfg.Queue.ResultTTL)
	fmt.Fprintf(out, "  ├─ Retry Position:  %s\n", cfg.Queue.RetryPosition)
	fmt.Fprintf(out, "  └─ Max Retries:     %d\n", cfg.Worker.MaxRetries)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ WAL:       %s (buffer %d)\n", cfg.WAL.Path, cfg.WAL.BufferSize)
	fmt.Fprintf(out, "  ├─ Snapshot:  %s (every %s)\n", cfg.Snapshot.Path, cfg.Snapshot.Interval)
	fmt.Fprintf(out, "  ├─ KV:        %s\n", cfg.KV.Dir)
	if cfg.Storage.S3.Bucket != "" {
		fmt.Fprintf(out, "  └─ Media:     s3://%s/%s\n", cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix)
	} else {
		fmt.Fprintf(out, "  └─ Media:     %s\n", cfg.Storage.MediaDir)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on %s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)
}

func printQueueStatus(ctx context.Context, q *queue.Queue, out io.Writer) error {
	n, err := q.Len(ctx)
	if err != nil {
		return err
	}
	pending, err := q.Pending(ctx, 5)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "📊 Queue:")
	fmt.Fprintf(&buf, "  ├─ ✅ Serving\n")
	fmt.Fprintf(&buf, "  └─ ⏳ Pending: %d\n", n)
	for i, job := range pending {
		branch := "├─"
		if i == len(pending)-1 {
			branch = "└─"
		}
		fmt.Fprintf(&buf, "      %s %s %s (retry %d/%d)\n", branch, job.ID, jobKind(job), job.RetryCount, job.MaxRetries)
	}
	fmt.Fprintln(&buf)
	_, err = buf.WriteTo(out)
	return err
}

func jobKind(job *types.Job) string {
	switch t := job.Type.(type) {
	case types.PronunciationScoring:
		return "score:" + t.RecordingID
	case types.SearchIndexUpdate:
		return "index:" + t.WordID
	default:
		return "unknown"
	}
}
