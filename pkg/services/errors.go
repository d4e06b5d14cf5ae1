package services

import (
	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/store"
)

// ErrNotFound is returned when a board or object does not exist. It is
// the store's sentinel re-exported so handlers can map it without
// importing storage internals.
var ErrNotFound = store.ErrNotFound

// ValidationError is a field-level rejection from the board rules.
// Callers match it with errors.As and render HTTP 400.
type ValidationError = board.ValidationError
