// Package pgstore is a jackc/pgx-backed persist.Repository, grounded on
// dittofs's postgres metadata store: a pgxpool.Pool built from
// pgxpool.ParseConfig/NewWithConfig, pinged once at startup, and
// upserts issued with ON CONFLICT ... DO UPDATE.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpki-tools/rrdpworker/internal/persist"
	"github.com/rpki-tools/rrdpworker/internal/rrdplog"
)

const schema = `
CREATE TABLE IF NOT EXISTS rrdp_repository_state (
	label         text PRIMARY KEY,
	session_id    text NOT NULL DEFAULT '',
	serial        bigint NOT NULL DEFAULT 0,
	last_modified text NOT NULL DEFAULT ''
)`

// Store is a persist.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open parses dsn, builds a connection pool sized for this worker's
// modest concurrency, pings it, and ensures the state table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	rrdplog.Info("creating postgres connection pool", "max_conns", poolConfig.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: create schema: %w", err)
	}

	rrdplog.Info("postgres connection pool ready")
	return &Store{pool: pool}, nil
}

// Load implements persist.Repository.
func (s *Store) Load(ctx context.Context, label string) (persist.RepositoryState, error) {
	var state persist.RepositoryState
	state.Label = label
	query := `SELECT session_id, serial, last_modified FROM rrdp_repository_state WHERE label = $1`
	err := s.pool.QueryRow(ctx, query, label).Scan(&state.SessionID, &state.Serial, &state.LastModified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persist.RepositoryState{}, persist.ErrNotFound
		}
		return persist.RepositoryState{}, fmt.Errorf("pgstore: load %s: %w", label, err)
	}
	return state, nil
}

// Save implements persist.Repository.
func (s *Store) Save(ctx context.Context, state persist.RepositoryState) error {
	query := `
		INSERT INTO rrdp_repository_state (label, session_id, serial, last_modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (label) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			serial = EXCLUDED.serial,
			last_modified = EXCLUDED.last_modified`
	_, err := s.pool.Exec(ctx, query, state.Label, state.SessionID, state.Serial, state.LastModified)
	if err != nil {
		return fmt.Errorf("pgstore: save %s: %w", state.Label, err)
	}
	return nil
}

// Close implements persist.Repository.
func (s *Store) Close() error {
	rrdplog.Info("closing postgres connection pool")
	s.pool.Close()
	return nil
}
