package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps objects on local disk under a base directory.
type FileStore struct {
	basePath  string
	publicURL string
}

// NewFileStore creates the base directory if missing. When publicURL is set,
// PresignGet returns publicURL/<key>; otherwise a file:// URL.
func NewFileStore(basePath, publicURL string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: abs, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

func (f *FileStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	target, err := f.path(key)
	if err != nil {
		return "", err
	}
	if f.publicURL != "" {
		return f.publicURL + "/" + strings.TrimLeft(filepath.ToSlash(key), "/"), nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (f *FileStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash("/" + key))
	target := filepath.Join(f.basePath, cleaned)
	if target == f.basePath || !strings.HasPrefix(target, f.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return target, nil
}
