package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
)

// EnsureBoard creates the board row if it does not exist. Boards come
// into existence implicitly on first write, so this is idempotent.
func (s *Store) EnsureBoard(ctx context.Context, boardID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, boardID)
	if err != nil {
		return fmt.Errorf("failed to ensure board %s: %w", boardID, err)
	}
	return nil
}

// CreateBoard inserts a named board. Racing with a lazy EnsureBoard is
// fine: the name and creator fill in whichever row exists.
func (s *Store) CreateBoard(ctx context.Context, boardID, name, createdBy string) (*Board, error) {
	var b Board
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO boards (id, name, created_by) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = $2, created_by = $3
		 RETURNING id, name, created_by, created_at`,
		boardID, name, createdBy).
		Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create board %s: %w", boardID, err)
	}
	return &b, nil
}

// GetBoard returns the board record or ErrNotFound.
func (s *Store) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	var b Board
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM boards WHERE id = $1`, boardID).
		Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get board %s: %w", boardID, err)
	}
	return &b, nil
}

// ListBoards returns all boards ordered by creation time.
func (s *Store) ListBoards(ctx context.Context) ([]*Board, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_by, created_at FROM boards ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list boards: %w", err)
	}
	defer rows.Close()

	var boards []*Board
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt); err != nil {
			return nil, err
		}
		boards = append(boards, &b)
	}
	return boards, rows.Err()
}

// DeleteBoard removes the board and, through cascading foreign keys,
// its objects, presence, and change log. Administrative use only; live
// subscribers are not notified.
func (s *Store) DeleteBoard(ctx context.Context, boardID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id = $1`, boardID)
	if err != nil {
		return fmt.Errorf("failed to delete board %s: %w", boardID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
