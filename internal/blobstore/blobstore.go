// Package blobstore provides content storage for transcript bodies and
// relay artifacts too large for inline persistence. Keys are slash-separated
// and namespaced per session/agent, e.g.
// "sessions/<sid>/agents/<aid>/messages/<mid>".
package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey indicates a key that would escape the blob root.
var ErrInvalidKey = errors.New("invalid blob key")

// Store writes and reads opaque blobs by key.
type Store interface {
	// Write stores bytes under key and returns the on-disk path.
	Write(key string, data []byte) (string, error)
	// Read returns the bytes stored under key.
	Read(key string) ([]byte, error)
	// Delete removes a single blob. Missing blobs are not an error.
	Delete(key string) error
	// DeleteTree removes every blob under the key prefix.
	DeleteTree(prefix string) error
}

type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed blob store rooted at dir.
func NewFS(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("blob root cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &fsStore{root: dir}, nil
}

// resolve maps a key to a path inside the root, rejecting traversal.
func (s *fsStore) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *fsStore) Write(key string, data []byte) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return path, nil
}

func (s *fsStore) Read(key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *fsStore) Delete(key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

func (s *fsStore) DeleteTree(prefix string) error {
	path, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete blob tree %s: %w", prefix, err)
	}
	return nil
}
