package api

import (
	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/store"
)

// AgentRequest is the HTTP request body for POST /boardAgent.
type AgentRequest struct {
	BoardID string `json:"boardId"`
	Command string `json:"command"`

	// BoardState is the client's view of the board. When non-empty it
	// is used as the agent's snapshot instead of a store read.
	BoardState []*board.Object `json:"boardState,omitempty"`
}

// CreateObjectRequest is the body for POST .../objects. ObjectID is
// optional; the server mints one when absent.
type CreateObjectRequest struct {
	ObjectID string         `json:"objectId,omitempty"`
	Fields   map[string]any `json:"fields"`
	UserID   string         `json:"userId,omitempty"`
}

// MergeObjectRequest is the body for PATCH .../objects/:objectId.
type MergeObjectRequest struct {
	Fields map[string]any `json:"fields"`
	UserID string         `json:"userId,omitempty"`
}

// BatchRequest is the body for POST .../objects/batch. All writes land
// in one transaction and one change event.
type BatchRequest struct {
	Writes []store.Write `json:"writes"`
	UserID string        `json:"userId,omitempty"`
}

// PresenceRequest is the body for PUT .../presence/:userId.
type PresenceRequest struct {
	DisplayName string       `json:"displayName,omitempty"`
	Cursor      store.Cursor `json:"cursor"`
	CursorColor string       `json:"cursorColor,omitempty"`
}
