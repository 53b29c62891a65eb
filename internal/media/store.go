// Package media 負責取得評分所需的音訊：使用者錄音（S3、HTTP、本地檔案）
// 與各方言的參考發音。
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath 路徑為空、絕對路徑或跳出根目錄
var ErrInvalidPath = errors.New("media: invalid path")

// FileStore 以 '/' 分隔的相對路徑存取檔案
//
// 檔案不存在時 Read 回傳包裝 os.ErrNotExist 的錯誤。
type FileStore interface {
	Read(ctx context.Context, name string) (io.ReadCloser, error)
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// cleanPath 驗證並正規化相對路徑
func cleanPath(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}

// Local 以本地目錄為根的 FileStore
type Local struct {
	root string
}

var _ FileStore = (*Local)(nil)

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) full(name string) (string, error) {
	cleaned, err := cleanPath(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

func (l *Local) Read(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := l.full(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("media: read %s: %w", name, err)
	}
	return f, nil
}

// Put 寫入檔案（先寫暫存檔再改名），自動建立上層目錄
func (l *Local) Put(_ context.Context, name string, data []byte) error {
	p, err := l.full(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l *Local) Delete(_ context.Context, name string) error {
	p, err := l.full(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	p, err := l.full(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// readAll 讀出整個檔案並關閉
func readAll(ctx context.Context, fs FileStore, name string) ([]byte, error) {
	rc, err := fs.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(rc, MaxAudioBytes+1)); err != nil {
		return nil, err
	}
	if buf.Len() > MaxAudioBytes {
		return nil, fmt.Errorf("media: %s exceeds %d bytes", name, MaxAudioBytes)
	}
	return buf.Bytes(), nil
}
