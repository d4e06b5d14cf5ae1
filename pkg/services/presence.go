package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/ids"
	"github.com/opencanvas/collabd/pkg/presence"
	"github.com/opencanvas/collabd/pkg/store"
)

// PresenceReader is the read side of presence storage.
type PresenceReader interface {
	ReadPresence(ctx context.Context, boardID string) ([]*store.PresenceEntry, error)
}

// PresenceService serves the REST presence read surface. Writes flow
// through the WebSocket session and its per-board tracker, not here.
type PresenceService struct {
	reader PresenceReader
	stale  time.Duration
	logger *slog.Logger
}

// NewPresenceService creates a PresenceService. Entries older than
// stale are hidden from listings.
func NewPresenceService(reader PresenceReader, stale time.Duration) *PresenceService {
	return &PresenceService{
		reader: reader,
		stale:  stale,
		logger: slog.Default().With("component", "presence_service"),
	}
}

// List returns the board's live presence entries.
func (s *PresenceService) List(ctx context.Context, boardID string) ([]*store.PresenceEntry, error) {
	if !ids.ValidBoardID(boardID) {
		return nil, &board.ValidationError{Field: "boardId", Message: "invalid board id"}
	}
	entries, err := s.reader.ReadPresence(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return presence.Visible(entries, time.Now(), s.stale), nil
}
