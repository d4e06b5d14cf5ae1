// Package services holds the request-facing business logic between the
// HTTP layer and the board hub: id minting, read-side visibility
// filtering, and the write paths the REST surface exposes.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/ids"
	"github.com/opencanvas/collabd/pkg/store"
)

// ObjectReader is the read side of the store the service needs.
type ObjectReader interface {
	ReadObjects(ctx context.Context, boardID string) ([]*board.Object, error)
	GetObject(ctx context.Context, boardID, objectID string) (*board.Object, error)
}

// BatchApplier routes validated writes through the board's hub.
type BatchApplier interface {
	Apply(ctx context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error)
}

// ObjectService implements the REST object operations.
type ObjectService struct {
	reader  ObjectReader
	applier BatchApplier
	logger  *slog.Logger
}

// NewObjectService creates an ObjectService.
func NewObjectService(reader ObjectReader, applier BatchApplier) *ObjectService {
	return &ObjectService{
		reader:  reader,
		applier: applier,
		logger:  slog.Default().With("component", "object_service"),
	}
}

// List returns the board's visible objects: skeletons and dangling
// connectors are hidden.
func (s *ObjectService) List(ctx context.Context, boardID string) ([]*board.Object, error) {
	if err := validBoard(boardID); err != nil {
		return nil, err
	}
	objects, err := s.reader.ReadObjects(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return board.Visible(objects), nil
}

// Get returns one object. Objects a reader would not see on the board
// (skeletons, dangling connectors) are reported as not found.
func (s *ObjectService) Get(ctx context.Context, boardID, objectID string) (*board.Object, error) {
	if err := validBoard(boardID); err != nil {
		return nil, err
	}
	obj, err := s.reader.GetObject(ctx, boardID, objectID)
	if err != nil {
		return nil, err
	}
	if obj.Type == "" {
		return nil, store.ErrNotFound
	}
	if obj.Type == board.TypeConnector {
		if dangling, err := s.connectorDangling(ctx, boardID, obj); err != nil {
			return nil, err
		} else if dangling {
			return nil, store.ErrNotFound
		}
	}
	return obj, nil
}

// Create mints an id when the client did not propose one and commits
// the create through the hub.
func (s *ObjectService) Create(ctx context.Context, boardID, editor, objectID string, fields map[string]any) (*board.Object, error) {
	if err := validBoard(boardID); err != nil {
		return nil, err
	}
	if objectID == "" {
		objectID = ids.NewObjectID()
	}

	set, err := s.applier.Apply(ctx, boardID, editor, []store.Write{
		{Op: store.OpCreate, ObjectID: objectID, Fields: fields},
	})
	if err != nil {
		return nil, err
	}
	return changedObject(set, objectID)
}

// Merge applies a partial update to one object.
func (s *ObjectService) Merge(ctx context.Context, boardID, editor, objectID string, fields map[string]any) (*board.Object, error) {
	if err := validBoard(boardID); err != nil {
		return nil, err
	}
	set, err := s.applier.Apply(ctx, boardID, editor, []store.Write{
		{Op: store.OpMerge, ObjectID: objectID, Fields: fields},
	})
	if err != nil {
		return nil, err
	}
	return changedObject(set, objectID)
}

// Delete removes one object. Deleting a missing object succeeds.
func (s *ObjectService) Delete(ctx context.Context, boardID, editor, objectID string) error {
	if err := validBoard(boardID); err != nil {
		return err
	}
	_, err := s.applier.Apply(ctx, boardID, editor, []store.Write{
		{Op: store.OpDelete, ObjectID: objectID},
	})
	return err
}

// ApplyBatch commits a heterogeneous batch, minting ids for creates
// that omit one. The returned change set reflects the whole batch.
func (s *ObjectService) ApplyBatch(ctx context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error) {
	if err := validBoard(boardID); err != nil {
		return nil, err
	}
	prepared := make([]store.Write, len(writes))
	for i, w := range writes {
		if w.Op == store.OpCreate && w.ObjectID == "" {
			w.ObjectID = ids.NewObjectID()
		}
		prepared[i] = w
	}
	return s.applier.Apply(ctx, boardID, editor, prepared)
}

func (s *ObjectService) connectorDangling(ctx context.Context, boardID string, obj *board.Object) (bool, error) {
	for _, endpoint := range []string{obj.ConnectedFrom, obj.ConnectedTo} {
		if endpoint == "" {
			return true, nil
		}
		if _, err := s.reader.GetObject(ctx, boardID, endpoint); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
	}
	return false, nil
}

func changedObject(set *store.ChangeSet, objectID string) (*board.Object, error) {
	for _, change := range set.Objects {
		if change.ObjectID == objectID && change.Object != nil {
			return change.Object, nil
		}
	}
	return nil, fmt.Errorf("change set missing object %s", objectID)
}

func validBoard(boardID string) error {
	if !ids.ValidBoardID(boardID) {
		return &board.ValidationError{Field: "boardId", Message: "invalid board id"}
	}
	return nil
}
