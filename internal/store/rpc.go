package store

// ============================================================================
// gRPC 服務定義
// 職責：以手寫的 ServiceDesc 將 Store 暴露給其他行程（JSON codec）
// ============================================================================

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName gRPC 服務全名（也用於 health check）
const ServiceName = "phonoscore.store.v1.ListStore"

// ============================================================================
// 請求 / 回應訊息
// ============================================================================

type PushRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	Head  bool   `json:"head,omitempty"`
}

type PushResponse struct {
	Length int64 `json:"length"`
}

type PopRequest struct {
	Key       string `json:"key"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type PopResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type RangeRequest struct {
	Key   string `json:"key"`
	Start int64  `json:"start"`
	Stop  int64  `json:"stop"`
}

type RangeResponse struct {
	Values [][]byte `json:"values"`
}

type SetRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	TTLMs int64  `json:"ttl_ms,omitempty"`
}

type KeyRequest struct {
	Key string `json:"key"`
}

type ValueResponse struct {
	Value []byte `json:"value"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type LenResponse struct {
	Length int64 `json:"length"`
}

type Empty struct{}

// ============================================================================
// 服務介面與描述
// ============================================================================

// ListStoreServer 伺服端需實作的方法
type ListStoreServer interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
	PopHead(context.Context, *PopRequest) (*PopResponse, error)
	Len(context.Context, *KeyRequest) (*LenResponse, error)
	Range(context.Context, *RangeRequest) (*RangeResponse, error)
	SetEx(context.Context, *SetRequest) (*Empty, error)
	Get(context.Context, *KeyRequest) (*ValueResponse, error)
	Exists(context.Context, *KeyRequest) (*ExistsResponse, error)
	Del(context.Context, *KeyRequest) (*Empty, error)
}

// UnaryMethod 以手寫 handler 建立一個 unary 方法描述；S 為服務介面
func UnaryMethod[S, Req, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc ListStore 的 gRPC 服務描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ListStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		UnaryMethod(ServiceName, "Push", ListStoreServer.Push),
		UnaryMethod(ServiceName, "PopHead", ListStoreServer.PopHead),
		UnaryMethod(ServiceName, "Len", ListStoreServer.Len),
		UnaryMethod(ServiceName, "Range", ListStoreServer.Range),
		UnaryMethod(ServiceName, "SetEx", ListStoreServer.SetEx),
		UnaryMethod(ServiceName, "Get", ListStoreServer.Get),
		UnaryMethod(ServiceName, "Exists", ListStoreServer.Exists),
		UnaryMethod(ServiceName, "Del", ListStoreServer.Del),
	},
	Metadata: "phonoscore/store/v1/list_store",
}

// RegisterListStoreServer 註冊服務
func RegisterListStoreServer(s grpc.ServiceRegistrar, srv ListStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ============================================================================
// 將本地 Store 包裝為 ListStoreServer
// ============================================================================

// Service 將任一 Store 暴露為 gRPC 服務
type Service struct {
	store Store
}

var _ ListStoreServer = (*Service)(nil)

// NewService 建立服務
func NewService(s Store) *Service {
	return &Service{store: s}
}

func (s *Service) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var (
		n   int
		err error
	)
	if req.Head {
		n, err = s.store.PushHead(ctx, req.Key, req.Value)
	} else {
		n, err = s.store.PushTail(ctx, req.Key, req.Value)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &PushResponse{Length: int64(n)}, nil
}

func (s *Service) PopHead(ctx context.Context, req *PopRequest) (*PopResponse, error) {
	value, err := s.store.PopHead(ctx, req.Key, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PopResponse{Value: value, Found: value != nil}, nil
}

func (s *Service) Len(ctx context.Context, req *KeyRequest) (*LenResponse, error) {
	n, err := s.store.Len(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LenResponse{Length: int64(n)}, nil
}

func (s *Service) Range(ctx context.Context, req *RangeRequest) (*RangeResponse, error) {
	values, err := s.store.Range(ctx, req.Key, int(req.Start), int(req.Stop))
	if err != nil {
		return nil, toStatus(err)
	}
	return &RangeResponse{Values: values}, nil
}

func (s *Service) SetEx(ctx context.Context, req *SetRequest) (*Empty, error) {
	if err := s.store.SetEx(ctx, req.Key, req.Value, time.Duration(req.TTLMs)*time.Millisecond); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Get(ctx context.Context, req *KeyRequest) (*ValueResponse, error) {
	value, err := s.store.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ValueResponse{Value: value}, nil
}

func (s *Service) Exists(ctx context.Context, req *KeyRequest) (*ExistsResponse, error) {
	ok, err := s.store.Exists(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExistsResponse{Exists: ok}, nil
}

func (s *Service) Del(ctx context.Context, req *KeyRequest) (*Empty, error) {
	if err := s.store.Del(ctx, req.Key); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// ============================================================================
// 錯誤對應
// ============================================================================

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrStoreClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return ErrNotFound
	case codes.FailedPrecondition:
		return ErrStoreClosed
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	default:
		return err
	}
}
