// ============================================================================
// 端到端測試：durable store + gRPC + 多個 worker
// ============================================================================
//
// TestWorkersOverGRPC:
//   - 兩個 worker 透過 gRPC 共用同一個 durable 佇列與同一個 Badger catalog
//   - 只有 server 開啟 catalog 目錄，worker 經由 catalog.Remote 寫入分數與索引
//   - 部分錄音永遠取不到，必須在重試耗盡後成為永久失敗
//   - 每個任務恰好一個結果，處理中標記全部清除
//
// TestQueueSurvivesRestart:
//   - 入隊後關閉 store 再重開，任務仍在佇列中
//   - 處理完成後再次重開，結果仍可讀取
//
// ============================================================================

package worker_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/phonoscore/internal/catalog"
	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/internal/queue"
	"github.com/ChuLiYu/phonoscore/internal/server"
	"github.com/ChuLiYu/phonoscore/internal/store"
	"github.com/ChuLiYu/phonoscore/internal/worker"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

type toneSource struct{}

func (toneSource) samples() []float32 {
	out := make([]float32, 8000)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return out
}

func (s toneSource) Fetch(_ context.Context, url string) ([]float32, error) {
	if strings.Contains(url, "missing") {
		return nil, errors.New("object not found")
	}
	return s.samples(), nil
}

func (s toneSource) Lookup(context.Context, string, string) ([]float32, error) {
	return s.samples(), nil
}

func openDurable(t *testing.T, dir string) *store.Durable {
	t.Helper()
	d, err := store.OpenDurable(store.DurableOptions{
		WALPath:      filepath.Join(dir, "queue.wal"),
		SnapshotPath: filepath.Join(dir, "queue.snap"),
	})
	require.NoError(t, err)
	return d
}

// serveBufconn serves backend and cat on one in-process listener.
func serveBufconn(t *testing.T, backend store.Store, cat catalog.API) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := server.New(backend, server.WithCatalog(cat))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

// dialBufconn opens one client connection carrying both services.
func dialBufconn(t *testing.T, lis *bufconn.Listener) (*store.Remote, *catalog.Remote) {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return store.NewRemote(conn, 2*time.Second), catalog.NewRemote(conn, 2*time.Second)
}

func fastConfig(id string) worker.Config {
	return worker.Config{
		WorkerID:       id,
		DequeueTimeout: 20 * time.Millisecond,
		IdleDelay:      5 * time.Millisecond,
		ErrorBackoff:   20 * time.Millisecond,
	}
}

func TestWorkersOverGRPC(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	durable := openDurable(t, dir)
	defer durable.Close()

	db, err := kv.OpenBadger(kv.BadgerOptions{Dir: filepath.Join(dir, "kv")})
	require.NoError(t, err)
	defer db.Close()

	lis := serveBufconn(t, durable, catalog.New(db))
	producerStore, producerCatalog := dialBufconn(t, lis)
	producer := queue.New(producerStore, queue.DefaultOptions())

	var jobs []*types.Job
	for i := 0; i < 12; i++ {
		url := fmt.Sprintf("s3://recordings/r%d.wav", i)
		if i%4 == 0 {
			url = fmt.Sprintf("s3://recordings/missing-%d.wav", i)
		}
		job := types.NewJob(types.PronunciationScoring{
			RecordingID: fmt.Sprintf("r%d", i),
			WordID:      "w1",
			Dialect:     "taipei",
			AudioURL:    url,
		}, 2)
		require.NoError(t, producer.Enqueue(ctx, job))
		jobs = append(jobs, job)
	}

	var indexJobs []*types.Job
	for i := 0; i < 4; i++ {
		word := types.Word{ID: fmt.Sprintf("w%d", i), Text: fmt.Sprintf("greeting %d", i)}
		require.NoError(t, producerCatalog.PutWord(ctx, word))
		job := types.NewJob(types.SearchIndexUpdate{WordID: word.ID}, 1)
		require.NoError(t, producer.Enqueue(ctx, job))
		indexJobs = append(indexJobs, job)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		st, cat := dialBufconn(t, lis)
		pipeline := &worker.Pipeline{
			Audio:      toneSource{},
			References: toneSource{},
			Scores:     cat,
			Words:      cat,
			Index:      cat,
		}
		w := worker.New(queue.New(st, queue.DefaultOptions()), pipeline, fastConfig(fmt.Sprintf("w%d", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Run(runCtx))
		}()
	}

	all := append(append([]*types.Job{}, jobs...), indexJobs...)
	require.Eventually(t, func() bool {
		for _, job := range all {
			done, err := producer.IsCompleted(ctx, job.ID)
			if err != nil || !done {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "all jobs should reach a terminal result")

	cancel()
	wg.Wait()

	completed, failed := 0, 0
	for i, job := range jobs {
		result, err := producer.GetResult(ctx, job.ID)
		require.NoError(t, err)
		if i%4 == 0 {
			require.NotNil(t, result.Failure, "job %d", i)
			assert.False(t, result.Failure.Retryable)
			failed++

			_, err := producerCatalog.GetScore(ctx, fmt.Sprintf("r%d", i))
			assert.ErrorIs(t, err, catalog.ErrScoreNotFound)
		} else {
			require.True(t, result.IsSuccess(), "job %d", i)
			rec, err := producerCatalog.GetScore(ctx, fmt.Sprintf("r%d", i))
			require.NoError(t, err)
			assert.InDelta(t, 100, rec.OverallPct, 1e-9)
			completed++
		}

		processing, err := producer.IsProcessing(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, processing)
	}
	assert.Equal(t, 9, completed)
	assert.Equal(t, 3, failed)

	for _, job := range indexJobs {
		result, err := producer.GetResult(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
	}
	ids, err := producerCatalog.Search(ctx, "greeting")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w0", "w1", "w2", "w3"}, ids)

	n, err := producer.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d := openDurable(t, dir)
	q := queue.New(d, queue.DefaultOptions())
	var jobs []*types.Job
	for i := 0; i < 5; i++ {
		job := types.NewJob(types.SearchIndexUpdate{WordID: fmt.Sprintf("w%d", i)}, 1)
		require.NoError(t, q.Enqueue(ctx, job))
		jobs = append(jobs, job)
	}
	require.NoError(t, d.Close())

	d = openDurable(t, dir)
	q = queue.New(d, queue.DefaultOptions())
	pending, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	for i, job := range pending {
		assert.Equal(t, jobs[i].ID, job.ID, "FIFO order should survive a restart")
	}

	words := catalog.NewWords(kv.NewMemory())
	for i := 0; i < 5; i++ {
		require.NoError(t, words.PutWord(ctx, types.Word{ID: fmt.Sprintf("w%d", i), Text: "word"}))
	}
	w := worker.New(q, &worker.Pipeline{Words: words, Index: catalog.NewSearchIndex(kv.NewMemory())}, fastConfig("restart"))
	for {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		if !processed {
			break
		}
	}
	require.NoError(t, d.Close())

	d = openDurable(t, dir)
	defer d.Close()
	q = queue.New(d, queue.DefaultOptions())
	for _, job := range jobs {
		state, _, err := q.State(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateCompleted, state)
	}
}
