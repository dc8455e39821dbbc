// Package storage defines the artifact persistence contract shared by
// the storage backends (local, memory, postgres) and the sentinel
// errors they return.
//
// Artifacts are addressed by owner key and sandbox id; every backend
// lays blobs out under the prefix
//
//	{session_id}/{user_id}/{sandbox_id}/<relative-path>
//
// whether that prefix is a directory tree, a map key, or a table column.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// ArtifactStore persists blobs produced by sandboxes.
type ArtifactStore interface {
	// Put writes data under the artifact address and returns its
	// backend-specific location.
	Put(ctx context.Context, key api.SandboxKey, sandboxID, relPath string, data []byte) (api.ArtifactRef, error)

	// Get reads a previously stored artifact. Returns ErrNotFound when
	// the address was never written.
	Get(ctx context.Context, key api.SandboxKey, sandboxID, relPath string) ([]byte, error)

	// List returns the relative paths stored under a sandbox's prefix,
	// in lexical order.
	List(ctx context.Context, key api.SandboxKey, sandboxID string) ([]string, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Prefix renders the canonical storage prefix for a sandbox. Callers
// must validate the key with ValidateKey first; Prefix itself does not
// reject hostile components.
func Prefix(key api.SandboxKey, sandboxID string) string {
	return key.SessionID + "/" + key.UserID + "/" + sandboxID
}

// ValidateKey rejects key components that would break out of the
// canonical prefix. Session and user ids arrive from remote callers,
// so a value like "../outside" must never reach the filesystem layout.
func ValidateKey(key api.SandboxKey, sandboxID string) error {
	for _, part := range []string{key.SessionID, key.UserID, sandboxID} {
		if part == "" {
			return fmt.Errorf("artifact key component is empty")
		}
		if part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("artifact key component %q escapes the storage prefix", part)
		}
	}
	return nil
}

// CleanRelPath normalizes and validates a caller-supplied relative path.
// Absolute paths and traversal outside the prefix are rejected so a
// sandbox cannot write over another owner's artifacts.
func CleanRelPath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("artifact path is empty")
	}
	cleaned := path.Clean(relPath)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("artifact path %q escapes the sandbox prefix", relPath)
	}
	return cleaned, nil
}
