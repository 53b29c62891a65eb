package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ChuLiYu/phonoscore/internal/audio"
)

// MaxAudioBytes 單一音訊檔的大小上限
const MaxAudioBytes = audio.MaxWAVBytes

// S3Resolver 依 bucket 取得對應的 FileStore
type S3Resolver func(bucket string) FileStore

// Fetcher 依 URL scheme 取得使用者錄音，解碼為 16 kHz 單聲道樣本
//
// 支援 s3://bucket/key、http(s)://、file:// 與相對路徑（相對於本地 media 根目錄）。
type Fetcher struct {
	local    FileStore
	s3       S3Resolver
	http     *http.Client
	resample audio.ResampleMode
}

// FetcherOption 設定 Fetcher
type FetcherOption func(*Fetcher)

// WithS3 啟用 s3:// URL
func WithS3(client S3Client) FetcherOption {
	return func(f *Fetcher) {
		f.s3 = func(bucket string) FileStore { return NewS3(client, bucket, "") }
	}
}

// WithHTTPClient 自訂 HTTP client
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.http = c }
}

// WithResampleMode 取樣率不符時使用的重取樣方式
func WithResampleMode(m audio.ResampleMode) FetcherOption {
	return func(f *Fetcher) { f.resample = m }
}

// NewFetcher local 為相對路徑使用的根目錄，可為 nil
func NewFetcher(local FileStore, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		local:    local,
		http:     &http.Client{Timeout: 30 * time.Second},
		resample: audio.ResampleNearest,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch 取得並解碼錄音
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]float32, error) {
	data, err := f.fetchBytes(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return decode16k(data, f.resample)
}

func (f *Fetcher) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("media: parse url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "s3":
		if f.s3 == nil {
			return nil, fmt.Errorf("media: s3 not configured for %s", rawURL)
		}
		return readAll(ctx, f.s3(u.Host), strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "file":
		return readFile(u.Path)
	case "":
		if f.local == nil {
			return nil, fmt.Errorf("media: no local media root for %q", rawURL)
		}
		return readAll(ctx, f.local, rawURL)
	default:
		return nil, fmt.Errorf("media: unsupported scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: GET %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("media: GET %s: %w", rawURL, err)
	}
	if len(data) > MaxAudioBytes {
		return nil, fmt.Errorf("media: GET %s: body exceeds %d bytes", rawURL, MaxAudioBytes)
	}
	return data, nil
}

func readFile(p string) ([]byte, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	if st.Size() > MaxAudioBytes {
		return nil, fmt.Errorf("media: %s exceeds %d bytes", p, MaxAudioBytes)
	}
	return os.ReadFile(p)
}

func decode16k(data []byte, mode audio.ResampleMode) ([]float32, error) {
	buf, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	buf, err = buf.To16k(mode)
	if err != nil {
		return nil, err
	}
	return buf.Samples, nil
}

// ============================================================================
// 參考發音
// ============================================================================

// ErrReferenceNotFound 該詞彙在此方言下沒有參考發音
var ErrReferenceNotFound = errors.New("media: reference audio not found")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ReferenceLibrary 從 FileStore 讀取 reference/<dialect>/<word_id>.wav
type ReferenceLibrary struct {
	store    FileStore
	resample audio.ResampleMode
}

func NewReferenceLibrary(store FileStore, mode audio.ResampleMode) *ReferenceLibrary {
	return &ReferenceLibrary{store: store, resample: mode}
}

// ReferencePath 參考發音的檔案路徑
func ReferencePath(wordID, dialect string) (string, error) {
	if !idPattern.MatchString(wordID) || !idPattern.MatchString(dialect) {
		return "", fmt.Errorf("%w: word=%q dialect=%q", ErrInvalidPath, wordID, dialect)
	}
	return "reference/" + dialect + "/" + wordID + ".wav", nil
}

// Lookup 取得參考發音樣本（16 kHz）
func (r *ReferenceLibrary) Lookup(ctx context.Context, wordID, dialect string) ([]float32, error) {
	p, err := ReferencePath(wordID, dialect)
	if err != nil {
		return nil, err
	}
	data, err := readAll(ctx, r.store, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrReferenceNotFound, dialect, wordID)
	}
	if err != nil {
		return nil, err
	}
	return decode16k(data, r.resample)
}

// Store 將參考發音寫入 library
func (r *ReferenceLibrary) Store(ctx context.Context, wordID, dialect string, buf *audio.Buffer) error {
	p, err := ReferencePath(wordID, dialect)
	if err != nil {
		return err
	}
	data, err := audio.EncodeWAV(buf)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, p, data)
}
