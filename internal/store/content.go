package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stagegraph.app/planner/internal/model"
)

const (
	// MaxContentSize is the maximum allowed artifact body in bytes.
	MaxContentSize = 2 * 1024 * 1024
)

var (
	ErrContentNotFound = errors.New("artifact content not found")
	ErrContentTooLarge = errors.New("artifact content exceeds maximum size")
	ErrInvalidRef      = errors.New("invalid storage reference")
	ErrPathTraversal   = errors.New("path traversal not allowed")
)

// LocalContentStore keeps artifact bodies on the local filesystem, laid out
// as {root}/{bucket}/{path}/{file_name}.
type LocalContentStore struct {
	rootDir string
}

// NewLocalContentStore creates a LocalContentStore with the given root directory.
func NewLocalContentStore(rootDir string) (*LocalContentStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("content root directory is required")
	}

	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating content root directory: %w", err)
	}

	return &LocalContentStore{rootDir: rootDir}, nil
}

// Read returns the body stored at ref.
func (s *LocalContentStore) Read(_ context.Context, ref model.StorageRef) ([]byte, error) {
	rel, err := s.relPath(ref)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Join(s.rootDir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading artifact content: %w", err)
	}
	return content, nil
}

// Write stores content at ref and returns its SHA256 digest.
func (s *LocalContentStore) Write(_ context.Context, ref model.StorageRef, content []byte) (string, error) {
	if len(content) > MaxContentSize {
		return "", ErrContentTooLarge
	}
	if len(content) == 0 {
		return "", fmt.Errorf("artifact content cannot be empty")
	}

	rel, err := s.relPath(ref)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.rootDir, rel)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return "", fmt.Errorf("writing temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming artifact: %w", err)
	}

	return sha256Hash(content), nil
}

// Exists checks if content is stored at ref.
func (s *LocalContentStore) Exists(_ context.Context, ref model.StorageRef) (bool, error) {
	rel, err := s.relPath(ref)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.rootDir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking artifact existence: %w", err)
	}
	return true, nil
}

func (s *LocalContentStore) relPath(ref model.StorageRef) (string, error) {
	bucket, path, name := ref.Bucket, ref.Path, ref.FileName
	if bucket == "" || name == "" {
		return "", ErrInvalidRef
	}
	rel := filepath.Join(bucket, path, name)

	for _, part := range []string{bucket, path, name} {
		if strings.Contains(part, "..") || filepath.IsAbs(part) {
			return "", ErrPathTraversal
		}
	}
	if strings.HasPrefix(filepath.Clean(rel), "..") {
		return "", ErrPathTraversal
	}
	return rel, nil
}

func sha256Hash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}
