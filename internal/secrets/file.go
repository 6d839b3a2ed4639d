package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// FileStore keeps one sealed file per key inside a private directory.
type FileStore struct {
	dir    string
	sealer Sealer
}

func NewFileStore(dir string, sealer Sealer) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("secrets: file store directory is empty")
	}
	if sealer == nil {
		return nil, errors.New("secrets: file store requires a sealer")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read secret %s: %w", key, err)
	}
	value, err := s.sealer.Open(data)
	if err != nil {
		return nil, fmt.Errorf("open secret %s: %w", key, err)
	}
	return value, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", key, err)
	}

	if err := renameio.WriteFile(s.path(key), sealed, 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".enc")
}
