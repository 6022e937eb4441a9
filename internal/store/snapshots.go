package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/entityd/internal/ir"
)

// WriteSnapshot upserts a snapshot; rewriting the same seq replaces it.
func (s *Store) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (entity_id, seq, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id, seq) DO UPDATE SET payload = excluded.payload
	`, snap.EntityID, snap.Seq, snap.Payload)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadLatestSnapshot returns the snapshot with the highest seq.
func (s *Store) ReadLatestSnapshot(ctx context.Context, entityID string) (ir.Snapshot, bool, error) {
	snap := ir.Snapshot{EntityID: entityID}
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, payload
		FROM snapshots
		WHERE entity_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, entityID).Scan(&snap.Seq, &snap.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("read latest snapshot: %w", err)
	}
	return snap, true, nil
}
