package catalog

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// serveCatalog runs the catalog service over an in-process listener and
// returns a client plus the catalog behind it.
func serveCatalog(t *testing.T) (*Remote, *Catalog) {
	t.Helper()
	local := New(kv.NewMemory())

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterCatalogServer(gs, NewService(local))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewRemote(conn, 2*time.Second), local
}

func TestRemoteScores(t *testing.T) {
	ctx := context.Background()
	remote, local := serveCatalog(t)

	_, err := remote.GetScore(ctx, "rec-1")
	assert.ErrorIs(t, err, ErrScoreNotFound)

	score := types.PronunciationScore{
		OverallPct:    0,
		PerPhoneme:    map[string]float64{"phoneme_0": 0},
		AlignmentCost: math.Inf(1),
		Confidence:    0.3,
	}
	require.NoError(t, remote.UpsertScore(ctx, "rec-1", score))

	rec, err := local.GetScore(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, math.IsInf(rec.AlignmentCost, 1), "an infinite cost survives the wire")

	rec, err = remote.GetScore(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.RecordingID)
	assert.Equal(t, 0.3, rec.Confidence)
	assert.True(t, math.IsInf(rec.AlignmentCost, 1))
}

func TestRemoteWordsAndSearch(t *testing.T) {
	ctx := context.Background()
	remote, local := serveCatalog(t)

	_, err := remote.GetWord(ctx, "w1")
	assert.ErrorIs(t, err, ErrWordNotFound)

	word := types.Word{ID: "w1", Text: "Tâi-uân", IPA: "tai wan", Dialect: "taipei"}
	require.NoError(t, remote.PutWord(ctx, word))

	got, err := local.GetWord(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, word, *got)

	got, err = remote.GetWord(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, word, *got)

	require.NoError(t, remote.IndexWord(ctx, word))
	ids, err := remote.Search(ctx, "TAIPEI")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, ids)

	err = remote.PutWord(ctx, types.Word{})
	assert.ErrorIs(t, err, kv.ErrInvalidKey)
}

func TestRemoteConcurrentIndexing(t *testing.T) {
	ctx := context.Background()
	remote, _ := serveCatalog(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := fmt.Sprintf("variant%d", i)
			assert.NoError(t, remote.IndexWord(ctx, types.Word{ID: "w1", Text: text}))
		}()
	}
	wg.Wait()

	// 不論最後哪一次寫入勝出，只能剩下一個 variant 的 posting
	found := 0
	for i := range 8 {
		ids, err := remote.Search(ctx, fmt.Sprintf("variant%d", i))
		require.NoError(t, err)
		found += len(ids)
	}
	assert.Equal(t, 1, found)
}
