package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPresence writes the user's presence entry, stamping LastSeen
// server-side, and notifies the board's presence channel. Presence is
// transient: changes are never appended to the change log.
func (s *Store) UpsertPresence(ctx context.Context, boardID string, entry PresenceEntry) (*ChangeSet, error) {
	var set *ChangeSet
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := ensureBoardTx(ctx, tx, boardID); err != nil {
			return err
		}

		now := time.Now().UTC()
		var inserted bool
		err = tx.QueryRowContext(ctx,
			`INSERT INTO board_presence (board_id, user_id, display_name, cursor_x, cursor_y, cursor_color, last_seen)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (board_id, user_id) DO UPDATE SET
			   display_name = EXCLUDED.display_name,
			   cursor_x = EXCLUDED.cursor_x,
			   cursor_y = EXCLUDED.cursor_y,
			   cursor_color = EXCLUDED.cursor_color,
			   last_seen = EXCLUDED.last_seen
			 RETURNING (xmax = 0)`,
			boardID, entry.UserID, entry.DisplayName, entry.Cursor.X, entry.Cursor.Y, entry.CursorColor, now).
			Scan(&inserted)
		if err != nil {
			return fmt.Errorf("failed to upsert presence for %s: %w", entry.UserID, err)
		}

		stamped := entry
		stamped.LastSeen = now
		kind := ChangeModified
		if inserted {
			kind = ChangeAdded
		}
		changes := []PresenceChange{{Kind: kind, UserID: entry.UserID, Entry: &stamped}}

		if err := s.notifyPresence(ctx, tx, boardID, changes); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit presence: %w", err)
		}
		set = &ChangeSet{BoardID: boardID, Presence: changes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// TouchPresence refreshes LastSeen without changing the rest of the
// entry. Returns ErrNotFound if the entry was already removed.
func (s *Store) TouchPresence(ctx context.Context, boardID, userID string) (*ChangeSet, error) {
	var set *ChangeSet
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		var entry PresenceEntry
		err = tx.QueryRowContext(ctx,
			`UPDATE board_presence SET last_seen = $3
			 WHERE board_id = $1 AND user_id = $2
			 RETURNING user_id, display_name, cursor_x, cursor_y, cursor_color, last_seen`,
			boardID, userID, now).
			Scan(&entry.UserID, &entry.DisplayName, &entry.Cursor.X, &entry.Cursor.Y, &entry.CursorColor, &entry.LastSeen)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to touch presence for %s: %w", userID, err)
		}

		changes := []PresenceChange{{Kind: ChangeModified, UserID: userID, Entry: &entry}}
		if err := s.notifyPresence(ctx, tx, boardID, changes); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit presence: %w", err)
		}
		set = &ChangeSet{BoardID: boardID, Presence: changes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// RemovePresence deletes the user's entry and notifies subscribers.
// Removing a missing entry is a no-op.
func (s *Store) RemovePresence(ctx context.Context, boardID, userID string) (*ChangeSet, error) {
	var set *ChangeSet
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM board_presence WHERE board_id = $1 AND user_id = $2`, boardID, userID)
		if err != nil {
			return fmt.Errorf("failed to remove presence for %s: %w", userID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		var changes []PresenceChange
		if affected > 0 {
			changes = []PresenceChange{{Kind: ChangeRemoved, UserID: userID}}
			if err := s.notifyPresence(ctx, tx, boardID, changes); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit presence removal: %w", err)
		}
		set = &ChangeSet{BoardID: boardID, Presence: changes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ReadPresence returns every presence entry on the board, including
// stale ones. Callers apply their own staleness filter for display.
func (s *Store) ReadPresence(ctx context.Context, boardID string) ([]*PresenceEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, cursor_x, cursor_y, cursor_color, last_seen
		 FROM board_presence WHERE board_id = $1 ORDER BY user_id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	defer rows.Close()

	var entries []*PresenceEntry
	for rows.Next() {
		var e PresenceEntry
		if err := rows.Scan(&e.UserID, &e.DisplayName, &e.Cursor.X, &e.Cursor.Y, &e.CursorColor, &e.LastSeen); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteStalePresence removes entries on one board whose LastSeen is
// before cutoff, notifying subscribers of each removal. Returns the
// affected user ids.
func (s *Store) DeleteStalePresence(ctx context.Context, boardID string, cutoff time.Time) ([]string, error) {
	var removed []string
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`DELETE FROM board_presence WHERE board_id = $1 AND last_seen < $2 RETURNING user_id`,
			boardID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete stale presence: %w", err)
		}
		var userIDs []string
		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				rows.Close()
				return err
			}
			userIDs = append(userIDs, userID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(userIDs) > 0 {
			changes := make([]PresenceChange, 0, len(userIDs))
			for _, userID := range userIDs {
				changes = append(changes, PresenceChange{Kind: ChangeRemoved, UserID: userID})
			}
			if err := s.notifyPresence(ctx, tx, boardID, changes); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit stale presence sweep: %w", err)
		}
		removed = userIDs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteAllStalePresence sweeps stale entries across every board. Used
// as the background backstop for boards with no active hub.
func (s *Store) DeleteAllStalePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`DELETE FROM board_presence WHERE last_seen < $1 RETURNING board_id, user_id`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete stale presence: %w", err)
		}
		byBoard := make(map[string][]PresenceChange)
		var count int64
		for rows.Next() {
			var boardID, userID string
			if err := rows.Scan(&boardID, &userID); err != nil {
				rows.Close()
				return err
			}
			byBoard[boardID] = append(byBoard[boardID], PresenceChange{Kind: ChangeRemoved, UserID: userID})
			count++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for boardID, changes := range byBoard {
			if err := s.notifyPresence(ctx, tx, boardID, changes); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit stale presence sweep: %w", err)
		}
		total = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
