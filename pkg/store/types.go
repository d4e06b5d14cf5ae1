package store

import (
	"errors"
	"time"

	"github.com/opencanvas/collabd/pkg/board"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound indicates the requested board or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed indicates the store has been shut down.
	ErrClosed = errors.New("store closed")
)

// ChangeKind classifies a single change within a change set.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ObjectChange describes one object-level change. Object is nil for
// removals.
type ObjectChange struct {
	Kind     ChangeKind    `json:"kind"`
	ObjectID string        `json:"objectId"`
	Object   *board.Object `json:"object,omitempty"`
}

// PresenceChange describes one presence-level change. Entry is nil for
// removals.
type PresenceChange struct {
	Kind   ChangeKind     `json:"kind"`
	UserID string         `json:"userId"`
	Entry  *PresenceEntry `json:"entry,omitempty"`
}

// ChangeSet is the unit of delivery to subscribers. All changes in a
// set committed in one transaction and MUST be applied together.
// EventID is zero for presence-only and snapshot sets, which are never
// persisted to the change log.
type ChangeSet struct {
	EventID  int64            `json:"eventId,omitempty"`
	BoardID  string           `json:"boardId"`
	Objects  []ObjectChange   `json:"objects,omitempty"`
	Presence []PresenceChange `json:"presence,omitempty"`
}

// WriteOp selects the semantics of a single write in a batch.
type WriteOp string

const (
	// OpCreate replaces the full document, inserting it if absent.
	OpCreate WriteOp = "create"
	// OpMerge updates only the named fields; a nil field value deletes
	// that field. Merging into a missing document creates it.
	OpMerge WriteOp = "merge"
	// OpDelete removes the document. Deleting a missing document is a
	// no-op.
	OpDelete WriteOp = "delete"
)

// Write is one element of a batch mutation.
type Write struct {
	Op       WriteOp        `json:"op"`
	ObjectID string         `json:"objectId"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Cursor is a pointer position in canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceEntry is one user's ephemeral presence record on a board.
type PresenceEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Cursor      Cursor    `json:"cursor"`
	CursorColor string    `json:"cursorColor"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Stale reports whether the entry has not been refreshed within ttl.
func (p *PresenceEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastSeen) > ttl
}

// Board is the top-level board record.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification channel naming. Channel identifiers must stay under
// PostgreSQL's 63-byte limit, which the board id length cap guarantees.
const (
	objectsChannelSuffix  = ":objects"
	presenceChannelSuffix = ":presence"
)

// ObjectsChannel returns the NOTIFY channel carrying persisted object
// change sets for a board.
func ObjectsChannel(boardID string) string {
	return "board:" + boardID + objectsChannelSuffix
}

// PresenceChannel returns the NOTIFY channel carrying transient
// presence change sets for a board.
func PresenceChannel(boardID string) string {
	return "board:" + boardID + presenceChannelSuffix
}
