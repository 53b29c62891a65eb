package catalog

// ============================================================================
// gRPC 服務：讓 worker 與 CLI 共用 queue server 上唯一的 catalog
// 與 store.ListStore 註冊在同一個 grpc.Server，使用同一個 JSON codec。
// 評分以 msgpack 包在 []byte 中傳遞（alignment_cost 可能是 +Inf，JSON 無法表示）。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/phonoscore/internal/kv"
	"github.com/ChuLiYu/phonoscore/internal/store"
	"github.com/ChuLiYu/phonoscore/pkg/types"
)

// ServiceName gRPC 服務全名（也用於 health check）
const ServiceName = "phonoscore.catalog.v1.Catalog"

type ScoreRequest struct {
	RecordingID string `json:"recording_id"`
	Score       []byte `json:"score,omitempty"` // msgpack(types.PronunciationScore)
}

type ScoreResponse struct {
	Record []byte `json:"record"` // msgpack(ScoreRecord)
}

type WordRequest struct {
	Word types.Word `json:"word"`
}

type WordIDRequest struct {
	ID string `json:"id"`
}

type WordResponse struct {
	Word types.Word `json:"word"`
}

type SearchRequest struct {
	Term string `json:"term"`
}

type SearchResponse struct {
	IDs []string `json:"ids"`
}

type Empty struct{}

// CatalogServer 伺服端需實作的方法
type CatalogServer interface {
	UpsertScore(context.Context, *ScoreRequest) (*Empty, error)
	GetScore(context.Context, *ScoreRequest) (*ScoreResponse, error)
	PutWord(context.Context, *WordRequest) (*Empty, error)
	GetWord(context.Context, *WordIDRequest) (*WordResponse, error)
	IndexWord(context.Context, *WordRequest) (*Empty, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
}

// ServiceDesc Catalog 的 gRPC 服務描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CatalogServer)(nil),
	Methods: []grpc.MethodDesc{
		store.UnaryMethod(ServiceName, "UpsertScore", CatalogServer.UpsertScore),
		store.UnaryMethod(ServiceName, "GetScore", CatalogServer.GetScore),
		store.UnaryMethod(ServiceName, "PutWord", CatalogServer.PutWord),
		store.UnaryMethod(ServiceName, "GetWord", CatalogServer.GetWord),
		store.UnaryMethod(ServiceName, "IndexWord", CatalogServer.IndexWord),
		store.UnaryMethod(ServiceName, "Search", CatalogServer.Search),
	},
	Metadata: "phonoscore/catalog/v1/catalog",
}

func RegisterCatalogServer(s grpc.ServiceRegistrar, srv CatalogServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ============================================================================
// 伺服端
// ============================================================================

// Service 將本地 API（通常是 *Catalog）暴露為 gRPC 服務
type Service struct {
	api API
}

var _ CatalogServer = (*Service)(nil)

func NewService(api API) *Service {
	return &Service{api: api}
}

func (s *Service) UpsertScore(ctx context.Context, req *ScoreRequest) (*Empty, error) {
	var score types.PronunciationScore
	if err := msgpack.Unmarshal(req.Score, &score); err != nil {
		return nil, status.Errorf(codes.Internal, "decode score: %v", err)
	}
	if err := s.api.UpsertScore(ctx, req.RecordingID, score); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) GetScore(ctx context.Context, req *ScoreRequest) (*ScoreResponse, error) {
	rec, err := s.api.GetScore(ctx, req.RecordingID)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode score: %v", err)
	}
	return &ScoreResponse{Record: data}, nil
}

func (s *Service) PutWord(ctx context.Context, req *WordRequest) (*Empty, error) {
	if err := s.api.PutWord(ctx, req.Word); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) GetWord(ctx context.Context, req *WordIDRequest) (*WordResponse, error) {
	word, err := s.api.GetWord(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WordResponse{Word: *word}, nil
}

func (s *Service) IndexWord(ctx context.Context, req *WordRequest) (*Empty, error) {
	if err := s.api.IndexWord(ctx, req.Word); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	ids, err := s.api.Search(ctx, req.Term)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SearchResponse{IDs: ids}, nil
}

// ============================================================================
// 用戶端
// ============================================================================

// Remote 透過 gRPC 存取 queue server 上的 catalog；連線由呼叫者管理
type Remote struct {
	cc          grpc.ClientConnInterface
	callTimeout time.Duration
}

var _ API = (*Remote)(nil)

func NewRemote(cc grpc.ClientConnInterface, callTimeout time.Duration) *Remote {
	return &Remote{cc: cc, callTimeout: callTimeout}
}

func (r *Remote) invoke(ctx context.Context, method string, in, out any) error {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	return r.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(store.CodecName))
}

func (r *Remote) UpsertScore(ctx context.Context, recordingID string, score types.PronunciationScore) error {
	data, err := msgpack.Marshal(&score)
	if err != nil {
		return fmt.Errorf("encode score %s: %w", recordingID, err)
	}
	err = r.invoke(ctx, "UpsertScore", &ScoreRequest{RecordingID: recordingID, Score: data}, &Empty{})
	return fromStatus(err, nil)
}

func (r *Remote) GetScore(ctx context.Context, recordingID string) (*ScoreRecord, error) {
	var out ScoreResponse
	if err := r.invoke(ctx, "GetScore", &ScoreRequest{RecordingID: recordingID}, &out); err != nil {
		return nil, fromStatus(err, ErrScoreNotFound)
	}
	var rec ScoreRecord
	if err := msgpack.Unmarshal(out.Record, &rec); err != nil {
		return nil, fmt.Errorf("decode score %s: %w", recordingID, err)
	}
	return &rec, nil
}

func (r *Remote) PutWord(ctx context.Context, word types.Word) error {
	return fromStatus(r.invoke(ctx, "PutWord", &WordRequest{Word: word}, &Empty{}), nil)
}

func (r *Remote) GetWord(ctx context.Context, id string) (*types.Word, error) {
	var out WordResponse
	if err := r.invoke(ctx, "GetWord", &WordIDRequest{ID: id}, &out); err != nil {
		return nil, fromStatus(err, ErrWordNotFound)
	}
	return &out.Word, nil
}

func (r *Remote) IndexWord(ctx context.Context, word types.Word) error {
	return fromStatus(r.invoke(ctx, "IndexWord", &WordRequest{Word: word}, &Empty{}), nil)
}

func (r *Remote) Search(ctx context.Context, term string) ([]string, error) {
	var out SearchResponse
	if err := r.invoke(ctx, "Search", &SearchRequest{Term: term}, &out); err != nil {
		return nil, fromStatus(err, nil)
	}
	return out.IDs, nil
}

// ============================================================================
// 錯誤對應
// ============================================================================

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrScoreNotFound), errors.Is(err, ErrWordNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, kv.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus 將 NotFound 還原為 notFound（該方法的 sentinel）
func fromStatus(err, notFound error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		if notFound != nil {
			return fmt.Errorf("%w: %s", notFound, st.Message())
		}
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", kv.ErrInvalidKey, st.Message())
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	}
	return err
}
