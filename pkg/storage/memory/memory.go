// Package memory provides an in-memory ArtifactStore for testing and
// lightweight deployments. Artifacts are lost when the process exits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
)

// Store is an in-memory ArtifactStore.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.ArtifactStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put stores a copy of data under the artifact address.
func (s *Store) Put(_ context.Context, key api.SandboxKey, sandboxID, relPath string, data []byte) (api.ArtifactRef, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return api.ArtifactRef{}, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	cleaned, err := storage.CleanRelPath(relPath)
	if err != nil {
		return api.ArtifactRef{}, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}

	addr := storage.Prefix(key, sandboxID) + "/" + cleaned

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.data[addr] = buf

	return api.ArtifactRef{SandboxID: sandboxID, Path: cleaned, Location: "mem://" + addr}, nil
}

// Get returns a copy of the stored artifact.
func (s *Store) Get(_ context.Context, key api.SandboxKey, sandboxID, relPath string) ([]byte, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	cleaned, err := storage.CleanRelPath(relPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[storage.Prefix(key, sandboxID)+"/"+cleaned]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List returns the relative paths stored under the sandbox prefix in
// lexical order.
func (s *Store) List(_ context.Context, key api.SandboxKey, sandboxID string) ([]string, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	prefix := storage.Prefix(key, sandboxID) + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for addr := range s.data {
		if strings.HasPrefix(addr, prefix) {
			paths = append(paths, strings.TrimPrefix(addr, prefix))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *Store) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
