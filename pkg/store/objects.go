package store

import (
	"context"
	stdsql "database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/metrics"
)

// ApplyBatch applies the writes in order inside a single transaction,
// appends one change-log event covering the whole batch, and notifies
// subscribers. Either every write commits or none does. The returned
// change set omits writes that had no effect (deletes of missing
// objects).
func (s *Store) ApplyBatch(ctx context.Context, boardID, editor string, writes []Write) (*ChangeSet, error) {
	if len(writes) == 0 {
		return &ChangeSet{BoardID: boardID}, nil
	}

	var set *ChangeSet
	err := s.withRetry(ctx, func() error {
		var err error
		set, err = s.applyBatchOnce(ctx, boardID, editor, writes)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, w := range writes {
		metrics.WritesApplied.WithLabelValues(string(w.Op)).Inc()
	}
	return set, nil
}

// PutObject applies a single create or merge write.
func (s *Store) PutObject(ctx context.Context, boardID, editor string, op WriteOp, objectID string, fields map[string]any) (*ChangeSet, error) {
	return s.ApplyBatch(ctx, boardID, editor, []Write{{Op: op, ObjectID: objectID, Fields: fields}})
}

// DeleteObject removes a single object. Deleting a missing object
// succeeds and produces an empty change set.
func (s *Store) DeleteObject(ctx context.Context, boardID, editor, objectID string) (*ChangeSet, error) {
	return s.ApplyBatch(ctx, boardID, editor, []Write{{Op: OpDelete, ObjectID: objectID}})
}

// ReadObjects returns every object on the board, ordered by id.
func (s *Store) ReadObjects(ctx context.Context, boardID string) ([]*board.Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, fields, updated_at, last_edited_by
		 FROM board_objects WHERE board_id = $1 ORDER BY id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to read objects: %w", err)
	}
	defer rows.Close()

	var objects []*board.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

// GetObject returns one object or ErrNotFound.
func (s *Store) GetObject(ctx context.Context, boardID, objectID string) (*board.Object, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, fields, updated_at, last_edited_by
		 FROM board_objects WHERE board_id = $1 AND id = $2`, boardID, objectID)
	obj, err := scanObject(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return obj, err
}

func (s *Store) applyBatchOnce(ctx context.Context, boardID, editor string, writes []Write) (*ChangeSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureBoardTx(ctx, tx, boardID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	changes := make([]ObjectChange, 0, len(writes))
	for _, w := range writes {
		change, err := s.applyWrite(ctx, tx, boardID, editor, now, w)
		if err != nil {
			return nil, err
		}
		if change != nil {
			changes = append(changes, *change)
		}
	}

	set := &ChangeSet{BoardID: boardID, Objects: changes}
	if len(changes) > 0 {
		eventID, err := insertEventTx(ctx, tx, boardID, set)
		if err != nil {
			return nil, err
		}
		set.EventID = eventID
		if err := s.notifyObjects(ctx, tx, boardID, eventID, changes); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return set, nil
}

// applyWrite executes one write under the row lock and returns the
// resulting change, or nil when the write had no effect.
func (s *Store) applyWrite(ctx context.Context, tx *stdsql.Tx, boardID, editor string, now time.Time, w Write) (*ObjectChange, error) {
	if w.ObjectID == "" {
		return nil, fmt.Errorf("write has empty object id")
	}

	switch w.Op {
	case OpDelete:
		res, err := tx.ExecContext(ctx,
			`DELETE FROM board_objects WHERE board_id = $1 AND id = $2`, boardID, w.ObjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete object %s: %w", w.ObjectID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, nil
		}
		return &ObjectChange{Kind: ChangeRemoved, ObjectID: w.ObjectID}, nil

	case OpCreate, OpMerge:
		var (
			curType   string
			curFields []byte
			curAt     time.Time
			curBy     string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT type, fields, updated_at, last_edited_by
			 FROM board_objects WHERE board_id = $1 AND id = $2 FOR UPDATE`,
			boardID, w.ObjectID).Scan(&curType, &curFields, &curAt, &curBy)
		exists := err == nil
		if err != nil && !errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("failed to lock object %s: %w", w.ObjectID, err)
		}

		incoming := cloneFields(w.Fields)
		board.StripClientStamps(incoming)

		var fields map[string]any
		if w.Op == OpMerge && exists {
			var cur map[string]any
			if err := json.Unmarshal(curFields, &cur); err != nil {
				return nil, fmt.Errorf("corrupt fields for object %s: %w", w.ObjectID, err)
			}
			// Type is immutable once set; a merge cannot flip it.
			delete(incoming, "type")
			fields = board.MergeFields(cur, incoming)
		} else {
			fields = board.MergeFields(nil, incoming)
		}

		objType := curType
		if t, ok := fields["type"].(string); ok {
			objType = t
		}
		delete(fields, "type")

		// Commit timestamps are assigned here, never taken from the
		// client, and kept monotonic per object.
		newAt := now
		if exists && curAt.After(newAt) {
			newAt = curAt
		}

		fieldsJSON, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fields for object %s: %w", w.ObjectID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO board_objects (board_id, id, type, fields, updated_at, last_edited_by)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (board_id, id) DO UPDATE SET
			   type = EXCLUDED.type,
			   fields = EXCLUDED.fields,
			   updated_at = EXCLUDED.updated_at,
			   last_edited_by = EXCLUDED.last_edited_by`,
			boardID, w.ObjectID, objType, fieldsJSON, newAt, editor); err != nil {
			return nil, fmt.Errorf("failed to upsert object %s: %w", w.ObjectID, err)
		}

		obj, err := board.ObjectFromFields(w.ObjectID, fields)
		if err != nil {
			return nil, err
		}
		obj.Type = board.ObjectType(objType)
		obj.UpdatedAt = newAt
		obj.LastEditedBy = editor

		kind := ChangeAdded
		if exists {
			kind = ChangeModified
		}
		return &ObjectChange{Kind: kind, ObjectID: w.ObjectID, Object: obj}, nil

	default:
		return nil, fmt.Errorf("unknown write op %q", w.Op)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*board.Object, error) {
	var (
		id, objType, editedBy string
		fieldsJSON            []byte
		updatedAt             time.Time
	)
	if err := row.Scan(&id, &objType, &fieldsJSON, &updatedAt, &editedBy); err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for object %s: %w", id, err)
	}

	obj, err := board.ObjectFromFields(id, fields)
	if err != nil {
		return nil, err
	}
	obj.Type = board.ObjectType(objType)
	obj.UpdatedAt = updatedAt
	obj.LastEditedBy = editedBy
	return obj, nil
}

func ensureBoardTx(ctx context.Context, tx *stdsql.Tx, boardID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO boards (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, boardID); err != nil {
		return fmt.Errorf("failed to ensure board %s: %w", boardID, err)
	}
	return nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// withRetry retries transient database failures with exponential
// backoff. The transaction rolls back on failure, so retrying a whole
// batch is safe.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			s.logger.Warn("Retrying transient store error", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Serialization failures, deadlocks, and connection-class
		// errors are worth a retry.
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return errors.Is(err, stdsql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
