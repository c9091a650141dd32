// Package store provides a file-backed implementation of the durable
// state store used to persist rollout plans and registry snapshots
// across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for a key with no stored value.
var ErrNotFound = errors.New("state not found")

// FileStore persists one file per key under a base directory. Writes are
// atomic: content lands in a temp file which is then renamed over the
// target.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Get returns the stored bytes for the key, or ErrNotFound.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %q: %w", key, err)
	}
	return raw, nil
}

// Put stores the bytes under the key.
func (s *FileStore) Put(_ context.Context, key string, snapshot []byte) error {
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating state subdirectory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := tmp.Write(snapshot); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing state %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing state %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("committing state %q: %w", key, err)
	}
	return nil
}

// Keys lists the stored keys under a prefix.
func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(filepath.Base(path), ".state-") {
			return nil // leftover temp file
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".yaml")
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing state keys: %w", err)
	}
	return keys, nil
}

// path sanitizes a key into a file path under the base directory.
func (s *FileStore) path(key string) string {
	clean := strings.ReplaceAll(key, "..", "")
	return filepath.Join(s.dir, filepath.FromSlash(clean)+".yaml")
}
