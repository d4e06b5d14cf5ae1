package services

import (
	"context"
	"log/slog"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/ids"
	"github.com/opencanvas/collabd/pkg/store"
)

// BoardReader is the board-level slice of the store.
type BoardReader interface {
	GetBoard(ctx context.Context, boardID string) (*store.Board, error)
	ListBoards(ctx context.Context) ([]*store.Board, error)
}

// BoardService serves board metadata. Boards are created implicitly by
// their first write, so there is no create operation here.
type BoardService struct {
	reader BoardReader
	logger *slog.Logger
}

// NewBoardService creates a BoardService.
func NewBoardService(reader BoardReader) *BoardService {
	return &BoardService{
		reader: reader,
		logger: slog.Default().With("component", "board_service"),
	}
}

// Get returns board metadata or store.ErrNotFound.
func (s *BoardService) Get(ctx context.Context, boardID string) (*store.Board, error) {
	if !ids.ValidBoardID(boardID) {
		return nil, &board.ValidationError{Field: "boardId", Message: "invalid board id"}
	}
	return s.reader.GetBoard(ctx, boardID)
}

// List returns all boards.
func (s *BoardService) List(ctx context.Context) ([]*store.Board, error) {
	return s.reader.ListBoards(ctx)
}
