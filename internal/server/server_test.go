package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/phonoscore/internal/catalog"
	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/internal/store"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

func TestServerServesStoreAndHealth(t *testing.T) {
	backend := store.NewMemory()
	srv := New(backend)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()

	client, err := store.Dial(lis.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	st, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	_, err = client.PushTail(ctx, "job_queue", []byte("job"))
	require.NoError(t, err)
	n, err := backend.Len(ctx, "job_queue")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	srv.Stop()
	require.NoError(t, <-done)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerServesCatalog(t *testing.T) {
	local := catalog.New(kv.NewMemory())
	srv := New(store.NewMemory(), WithCatalog(local))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: catalog.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	remote := catalog.NewRemote(conn, 2*time.Second)
	require.NoError(t, remote.PutWord(ctx, types.Word{ID: "w1", Text: "hello"}))
	word, err := local.GetWord(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "hello", word.Text)
}

func TestServerWithoutCatalog(t *testing.T) {
	srv := New(store.NewMemory())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = catalog.NewRemote(conn, 2*time.Second).GetWord(context.Background(), "w1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, catalog.ErrWordNotFound)
}
