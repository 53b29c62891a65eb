package store

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// popSlack PopHead 遠端呼叫在等待時間之外額外允許的網路時間
const popSlack = 5 * time.Second

// Remote 透過 gRPC 存取遠端 Store
type Remote struct {
	cc          grpc.ClientConnInterface
	conn        *grpc.ClientConn // Dial 建立時由 Remote 負責關閉
	callTimeout time.Duration
}

var _ Store = (*Remote)(nil)

// Dial 連線到 addr 上的 ListStore 服務（明文 gRPC）
func Dial(addr string, callTimeout time.Duration) (*Remote, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", addr, err)
	}
	r := NewRemote(conn, callTimeout)
	r.conn = conn
	return r, nil
}

// NewRemote 以既有連線建立 client；連線由呼叫者管理
func NewRemote(cc grpc.ClientConnInterface, callTimeout time.Duration) *Remote {
	return &Remote{cc: cc, callTimeout: callTimeout}
}

func (r *Remote) invoke(ctx context.Context, method string, in, out any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := r.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
	return fromStatus(err)
}

func (r *Remote) PushHead(ctx context.Context, key string, value []byte) (int, error) {
	var out PushResponse
	if err := r.invoke(ctx, "Push", &PushRequest{Key: key, Value: value, Head: true}, &out, r.callTimeout); err != nil {
		return 0, err
	}
	return int(out.Length), nil
}

func (r *Remote) PushTail(ctx context.Context, key string, value []byte) (int, error) {
	var out PushResponse
	if err := r.invoke(ctx, "Push", &PushRequest{Key: key, Value: value}, &out, r.callTimeout); err != nil {
		return 0, err
	}
	return int(out.Length), nil
}

// PopHead 伺服端阻塞等待；本地 deadline 為 timeout 加上網路餘裕
func (r *Remote) PopHead(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	var out PopResponse
	in := &PopRequest{Key: key, TimeoutMs: timeout.Milliseconds()}
	if err := r.invoke(ctx, "PopHead", in, &out, timeout+popSlack); err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, nil
	}
	if out.Value == nil {
		return []byte{}, nil
	}
	return out.Value, nil
}

func (r *Remote) Len(ctx context.Context, key string) (int, error) {
	var out LenResponse
	if err := r.invoke(ctx, "Len", &KeyRequest{Key: key}, &out, r.callTimeout); err != nil {
		return 0, err
	}
	return int(out.Length), nil
}

func (r *Remote) Range(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	var out RangeResponse
	in := &RangeRequest{Key: key, Start: int64(start), Stop: int64(stop)}
	if err := r.invoke(ctx, "Range", in, &out, r.callTimeout); err != nil {
		return nil, err
	}
	if out.Values == nil {
		return [][]byte{}, nil
	}
	return out.Values, nil
}

func (r *Remote) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	in := &SetRequest{Key: key, Value: value, TTLMs: ttl.Milliseconds()}
	return r.invoke(ctx, "SetEx", in, &Empty{}, r.callTimeout)
}

func (r *Remote) Get(ctx context.Context, key string) ([]byte, error) {
	var out ValueResponse
	if err := r.invoke(ctx, "Get", &KeyRequest{Key: key}, &out, r.callTimeout); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (r *Remote) Exists(ctx context.Context, key string) (bool, error) {
	var out ExistsResponse
	if err := r.invoke(ctx, "Exists", &KeyRequest{Key: key}, &out, r.callTimeout); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (r *Remote) Del(ctx context.Context, key string) error {
	return r.invoke(ctx, "Del", &KeyRequest{Key: key}, &Empty{}, r.callTimeout)
}

// Health 查詢遠端的 gRPC health 狀態
func (r *Remote) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	resp, err := healthpb.NewHealthClient(r.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Close 關閉由 Dial 建立的連線
func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
