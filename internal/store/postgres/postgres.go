// Package postgres provides a Postgres-backed entityd journal for deployments
// where several nodes share one event store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
)

// Compile-time contract assertion.
var _ journal.Journal = (*Store)(nil)

const defaultDSN = "postgres://localhost/entityd?sslmode=disable"

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS entity_events (
		entity_id TEXT   NOT NULL,
		seq       BIGINT NOT NULL CHECK (seq > 0),
		type      TEXT   NOT NULL,
		payload   BYTEA,
		digest    TEXT   NOT NULL DEFAULT '',
		PRIMARY KEY (entity_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_snapshots (
		entity_id TEXT   NOT NULL,
		seq       BIGINT NOT NULL CHECK (seq >= 0),
		payload   BYTEA,
		PRIMARY KEY (entity_id, seq)
	)`,
}

// Store is a journal.Journal backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn (falls back to defaultDSN) and ensures the tables exist.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendEvent implements journal.EventLog.
func (s *Store) AppendEvent(ctx context.Context, ev ir.Event) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO entity_events (entity_id, seq, type, payload, digest)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id, seq) DO NOTHING
	`, ev.EntityID, ev.Seq, ev.Type, ev.Payload, ev.Digest)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append event %s/%d: %w", ev.EntityID, ev.Seq, journal.ErrSeqConflict)
	}
	return nil
}

// ReadEvents implements journal.EventLog.
func (s *Store) ReadEvents(ctx context.Context, entityID string, fromSeqExclusive int64) ([]ir.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, payload, digest
		FROM entity_events
		WHERE entity_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, entityID, fromSeqExclusive)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ir.Event, error) {
		ev := ir.Event{EntityID: entityID}
		err := row.Scan(&ev.Seq, &ev.Type, &ev.Payload, &ev.Digest)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// WriteSnapshot implements journal.SnapshotStore.
func (s *Store) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_snapshots (entity_id, seq, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, seq) DO UPDATE SET payload = EXCLUDED.payload
	`, snap.EntityID, snap.Seq, snap.Payload)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadLatestSnapshot implements journal.SnapshotStore.
func (s *Store) ReadLatestSnapshot(ctx context.Context, entityID string) (ir.Snapshot, bool, error) {
	snap := ir.Snapshot{EntityID: entityID}
	err := s.pool.QueryRow(ctx, `
		SELECT seq, payload
		FROM entity_snapshots
		WHERE entity_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, entityID).Scan(&snap.Seq, &snap.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("read latest snapshot: %w", err)
	}
	return snap, true, nil
}
