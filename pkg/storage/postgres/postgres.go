// Package postgres provides a PostgreSQL-backed ArtifactStore. It uses
// pgx/v5 connection pooling and stores blobs as BYTEA rows keyed by the
// canonical {session_id}/{user_id}/{sandbox_id}/path address.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
)

// Store is a PostgreSQL-backed ArtifactStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.ArtifactStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// Put upserts an artifact row. Re-writing the same address replaces the
// blob and bumps updated_at.
func (s *Store) Put(ctx context.Context, key api.SandboxKey, sandboxID, relPath string, data []byte) (api.ArtifactRef, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return api.ArtifactRef{}, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	cleaned, err := storage.CleanRelPath(relPath)
	if err != nil {
		return api.ArtifactRef{}, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO artifacts (session_id, user_id, sandbox_id, path, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, user_id, sandbox_id, path)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		key.SessionID, key.UserID, sandboxID, cleaned, data,
	)
	if err != nil {
		return api.ArtifactRef{}, fmt.Errorf("inserting artifact: %w", err)
	}

	return api.ArtifactRef{
		SandboxID: sandboxID,
		Path:      cleaned,
		Location:  "pg://artifacts/" + storage.Prefix(key, sandboxID) + "/" + cleaned,
	}, nil
}

// Get reads an artifact blob.
func (s *Store) Get(ctx context.Context, key api.SandboxKey, sandboxID, relPath string) ([]byte, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	cleaned, err := storage.CleanRelPath(relPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}

	var data []byte
	err = s.pool.QueryRow(ctx, `
		SELECT data FROM artifacts
		WHERE session_id = $1 AND user_id = $2 AND sandbox_id = $3 AND path = $4`,
		key.SessionID, key.UserID, sandboxID, cleaned,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// List returns the paths stored under a sandbox prefix in lexical order.
func (s *Store) List(ctx context.Context, key api.SandboxKey, sandboxID string) ([]string, error) {
	if err := storage.ValidateKey(key, sandboxID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPath, err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT path FROM artifacts
		WHERE session_id = $1 AND user_id = $2 AND sandbox_id = $3
		ORDER BY path`,
		key.SessionID, key.UserID, sandboxID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning artifact row: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
