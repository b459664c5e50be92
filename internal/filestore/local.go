package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalObjectStore implements ObjectStore on the local filesystem.
type LocalObjectStore struct {
	root string
}

func NewLocalObjectStore(root string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalObjectStore{root: root}, nil
}

func (s *LocalObjectStore) objectPath(bucket, path string) (string, error) {
	cleaned := filepath.Join(s.root, bucket, filepath.FromSlash(path))
	if !strings.HasPrefix(cleaned, filepath.Join(s.root, bucket)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return cleaned, nil
}

func (s *LocalObjectStore) Save(bucket, path string, r io.Reader) (int64, error) {
	dst, err := s.objectPath(bucket, path)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to a temporary file first so a half-written upload never
	// becomes visible; rename overwrites any existing object.
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("failed to rename file: %w", err)
	}

	return n, nil
}

func (s *LocalObjectStore) Get(bucket, path string) (io.ReadCloser, error) {
	src, err := s.objectPath(bucket, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s/%s: %w", bucket, path, err)
	}
	return f, nil
}
