package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSnapshotName identifies the snapshot row when none is configured.
const DefaultSnapshotName = "default"

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS rackwatch_prediction_snapshots (
		name     TEXT PRIMARY KEY,
		payload  JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	)`

// PostgresStore keeps the snapshot as a single JSONB row in
// rackwatch_prediction_snapshots, upserted on every Save.
type PostgresStore struct {
	pool *pgxpool.Pool
	name string
}

// NewPostgresStore connects to dsn and creates the snapshots table if needed.
// name selects the row; instances sharing a name share a cache.
func NewPostgresStore(ctx context.Context, dsn, name string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN cannot be empty")
	}
	if name == "" {
		name = DefaultSnapshotName
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createSnapshotsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	return &PostgresStore{pool: pool, name: name}, nil
}

// Save upserts the snapshot row.
func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO rackwatch_prediction_snapshots (name, payload, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			payload = EXCLUDED.payload,
			saved_at = EXCLUDED.saved_at
	`
	if _, err := s.pool.Exec(ctx, query, s.name, payload, snap.SavedAt); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot row.
func (s *PostgresStore) Load(ctx context.Context) (Snapshot, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM rackwatch_prediction_snapshots WHERE name = $1`,
		s.name,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("select snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
