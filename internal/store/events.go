package store

import (
	"context"
	"fmt"

	"github.com/roach88/entityd/internal/ir"
	"github.com/roach88/entityd/internal/journal"
)

// AppendEvent inserts one event. ON CONFLICT DO NOTHING plus a RowsAffected
// check turns a duplicate (entity_id, seq) into journal.ErrSeqConflict
// without depending on driver error codes.
func (s *Store) AppendEvent(ctx context.Context, ev ir.Event) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (entity_id, seq, type, payload, digest)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, seq) DO NOTHING
	`,
		ev.EntityID,
		ev.Seq,
		ev.Type,
		ev.Payload,
		ev.Digest,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("append event %s/%d: %w", ev.EntityID, ev.Seq, journal.ErrSeqConflict)
	}
	return nil
}

// ReadEvents returns events with seq > fromSeqExclusive, ordered by seq.
func (s *Store) ReadEvents(ctx context.Context, entityID string, fromSeqExclusive int64) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, payload, digest
		FROM events
		WHERE entity_id = ? AND seq > ?
		ORDER BY seq ASC
	`, entityID, fromSeqExclusive)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []ir.Event
	for rows.Next() {
		ev := ir.Event{EntityID: entityID}
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.Payload, &ev.Digest); err != nil {
			return nil, fmt.Errorf("read events: scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	return events, nil
}

// LastSeq returns the highest persisted seq for an entity, 0 if none.
func (s *Store) LastSeq(ctx context.Context, entityID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE entity_id = ?
	`, entityID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Entities lists every entity with at least one event, sorted by id.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id FROM events ORDER BY entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list entities: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
