// Package blob stores small JSON state documents, such as the Roborock
// bootstrap, either on disk or in S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joshp123/gohome-vacuum/internal/config"
)

var ErrNotFound = errors.New("blob not found")

// checkKey rejects keys that would escape the store's directory or prefix.
func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// Store loads and saves documents by key. Keys carry no extension.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// New picks the S3 store when blob storage is configured, otherwise a file
// store rooted at dir.
func New(cfg config.BlobConfig, dir string) (Store, error) {
	if cfg.Enabled() {
		return NewS3Store(cfg)
	}
	return NewFileStore(dir), nil
}

// SplitPath turns "/var/lib/gohome/roborock.json" into the directory and key
// a FileStore uses for it.
func SplitPath(path string) (dir, key string) {
	dir, file := filepath.Split(path)
	return filepath.Clean(dir), strings.TrimSuffix(file, filepath.Ext(file))
}

type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", s.path(key), err)
	}
	return data, nil
}

// Save writes through a temp file and rename so readers never see a partial
// document.
func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", s.dir, err)
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("rename %s: %w", s.path(key), err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
