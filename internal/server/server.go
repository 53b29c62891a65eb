package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/phonoscore/internal/catalog"
	"github.com/ChuLiYu/phonoscore/internal/store"
)

var log = slog.Default()

// Server exposes a store.Store over gRPC so that workers in other
// processes can share one job queue. With WithCatalog it also serves the
// catalog, which only this process may open.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	store  store.Store
}

// Option configures a Server.
type Option func(*options)

type options struct {
	catalog catalog.API
}

// WithCatalog registers the catalog service backed by api.
func WithCatalog(api catalog.API) Option {
	return func(o *options) { o.catalog = api }
}

// New builds a server around st. The store's lifetime stays with the caller.
func New(st store.Store, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	hs := health.NewServer()

	store.RegisterListStoreServer(gs, store.NewService(st))
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(store.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if o.catalog != nil {
		catalog.RegisterCatalogServer(gs, catalog.NewService(o.catalog))
		hs.SetServingStatus(catalog.ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Server{grpc: gs, health: hs, store: st}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("Store server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Stop marks the service NOT_SERVING and drains in-flight calls.
// Blocked PopHead calls hold the drain for at most their own timeout.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	log.Info("Store server stopped")
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Debug("RPC failed",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
			"error", err)
	}
	return resp, err
}
