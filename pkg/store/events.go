package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencanvas/collabd/pkg/board"
)

// catchupLimit bounds how many change sets a reconnecting subscriber
// can replay. Past this the client must take a fresh snapshot.
const catchupLimit = 200

func insertEventTx(ctx context.Context, tx *stdsql.Tx, boardID string, set *ChangeSet) (int64, error) {
	payload, err := json.Marshal(set)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal change set: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO board_events (board_id, payload) VALUES ($1, $2) RETURNING id`,
		boardID, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append change event: %w", err)
	}
	return id, nil
}

// GetChangeSet re-reads a persisted change set by event id. Used when
// a notification arrived truncated.
func (s *Store) GetChangeSet(ctx context.Context, eventID int64) (*ChangeSet, error) {
	var (
		boardID string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT board_id, payload FROM board_events WHERE id = $1`, eventID).
		Scan(&boardID, &payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change event %d: %w", eventID, err)
	}

	var set ChangeSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("corrupt change event %d: %w", eventID, err)
	}
	set.EventID = eventID
	set.BoardID = boardID
	return &set, nil
}

// ChangesSince returns the change sets committed after the given event
// id, oldest first, capped at catchupLimit. The second return value is
// true when more sets exist beyond the cap, meaning the caller cannot
// catch up incrementally and needs a snapshot.
func (s *Store) ChangesSince(ctx context.Context, boardID string, afterEventID int64) ([]*ChangeSet, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM board_events
		 WHERE board_id = $1 AND id > $2
		 ORDER BY id LIMIT $3`,
		boardID, afterEventID, catchupLimit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read change events: %w", err)
	}
	defer rows.Close()

	var sets []*ChangeSet
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, false, err
		}
		var set ChangeSet
		if err := json.Unmarshal(payload, &set); err != nil {
			return nil, false, fmt.Errorf("corrupt change event %d: %w", id, err)
		}
		set.EventID = id
		set.BoardID = boardID
		sets = append(sets, &set)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(sets) > catchupLimit {
		return sets[:catchupLimit], true, nil
	}
	return sets, false, nil
}

// SnapshotObjects reads the full object state together with the change
// log position it reflects, in one consistent view. Subscribers use
// the returned event id to discard live notifications already folded
// into the snapshot.
func (s *Store) SnapshotObjects(ctx context.Context, boardID string) ([]*board.Object, int64, error) {
	tx, err := s.db.BeginTx(ctx, &stdsql.TxOptions{Isolation: stdsql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	var horizon int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM board_events WHERE board_id = $1`, boardID).
		Scan(&horizon); err != nil {
		return nil, 0, fmt.Errorf("failed to read event horizon: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type, fields, updated_at, last_edited_by
		 FROM board_objects WHERE board_id = $1 ORDER BY id`, boardID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer rows.Close()

	var objects []*board.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, 0, err
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return objects, horizon, nil
}

// PurgeEventsBefore deletes change-log rows older than cutoff and
// returns how many were removed.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM board_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge change events: %w", err)
	}
	return res.RowsAffected()
}

// ConnectorRef identifies a connector object on a board.
type ConnectorRef struct {
	BoardID  string
	ObjectID string
}

// FindDanglingConnectors returns connectors whose endpoints no longer
// both exist. Readers already hide these; the background sweep deletes
// them for good.
func (s *Store) FindDanglingConnectors(ctx context.Context, limit int) ([]ConnectorRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.board_id, o.id FROM board_objects o
		 WHERE o.type = 'connector'
		   AND (NOT EXISTS (
		          SELECT 1 FROM board_objects e
		          WHERE e.board_id = o.board_id AND e.id = o.fields->>'connectedFrom')
		     OR NOT EXISTS (
		          SELECT 1 FROM board_objects e
		          WHERE e.board_id = o.board_id AND e.id = o.fields->>'connectedTo'))
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find dangling connectors: %w", err)
	}
	defer rows.Close()

	var refs []ConnectorRef
	for rows.Next() {
		var ref ConnectorRef
		if err := rows.Scan(&ref.BoardID, &ref.ObjectID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
