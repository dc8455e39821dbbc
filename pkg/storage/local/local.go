// Package local provides a filesystem-backed ArtifactStore. Blobs live
// under a configured root directory using the canonical
// {session_id}/{user_id}/{sandbox_id} layout.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
)

// Store is a filesystem ArtifactStore rooted at a single directory.
type Store struct {
	root string
}

var _ storage.ArtifactStore = (*Store)(nil)

// New creates a local store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("local artifact root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// Put writes data to root/{session}/{user}/{sandbox}/relPath.
func (s *Store) Put(_ context.Context, key api.SandboxKey, sandboxID, relPath string, data []byte) (api.ArtifactRef, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return api.ArtifactRef{}, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	cleaned, err := storage.CleanRelPath(relPath)
	if err != nil {
		return api.ArtifactRef{}, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}

	full := filepath.Join(s.root, filepath.FromSlash(storage.Prefix(key, sandboxID)), filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return api.ArtifactRef{}, fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return api.ArtifactRef{}, fmt.Errorf("writing artifact: %w", err)
	}

	return api.ArtifactRef{SandboxID: sandboxID, Path: cleaned, Location: full}, nil
}

// Get reads an artifact from disk.
func (s *Store) Get(_ context.Context, key api.SandboxKey, sandboxID, relPath string) ([]byte, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	cleaned, err := storage.CleanRelPath(relPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}

	full := filepath.Join(s.root, filepath.FromSlash(storage.Prefix(key, sandboxID)), filepath.FromSlash(cleaned))
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// List walks the sandbox prefix and returns relative paths in lexical
// order. A prefix that was never written lists as empty, not an error.
func (s *Store) List(_ context.Context, key api.SandboxKey, sandboxID string) ([]string, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	base := filepath.Join(s.root, filepath.FromSlash(storage.Prefix(key, sandboxID)))

	var paths []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		paths = append(paths, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// HealthCheck verifies the root directory is still writable.
func (s *Store) HealthCheck(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("artifact root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("artifact root %s is not a directory", s.root)
	}
	return nil
}

// Close is a no-op for the local store.
func (s *Store) Close() error { return nil }
