package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ObjectStore is the narrow contract the ledger consumes from external
// object storage. Only event payloads over the inline threshold and
// attachment bytes go through it; the backend itself is someone else's
// problem.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// DirStore is an ObjectStore backed by a flat directory of files, one per
// pointer id. Suitable for single-node deployments and tests.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed and returns a store over it.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return &DirStore{dir: dir}, nil
}

// Put writes data under a fresh pointer id and returns the id.
func (s *DirStore) Put(_ context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", id, err)
	}
	return id, nil
}

// Get reads the bytes stored under a pointer id.
func (s *DirStore) Get(_ context.Context, id string) ([]byte, error) {
	path := filepath.Join(s.dir, filepath.Base(id))
	data, err := os.ReadFile(path) //nolint:gosec // path is constrained to the blob dir
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return data, nil
}
