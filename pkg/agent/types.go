// Package agent runs natural-language board commands through an LLM
// tool-calling loop. The model sees the board snapshot and a tool surface for
// creating and editing objects; the executor collects every produced write
// into a pending plan and commits the whole plan as one atomic batch, so other
// subscribers observe the agent's work all at once.
package agent

import (
	"encoding/json"
	"errors"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/trace"
)

// Command is one agent invocation.
type Command struct {
	BoardID string
	UserID  string
	Command string

	// BoardState is the client-supplied snapshot. When empty the executor
	// reads the board from the store instead.
	BoardState []*board.Object
}

// Action is one tool call the model issued, reported back to the caller.
// Rejected calls carry Error and commit nothing.
type Action struct {
	Tool     string          `json:"tool"`
	Input    json.RawMessage `json:"input"`
	ObjectID string          `json:"objectId,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Result is the outcome of a completed invocation.
type Result struct {
	Actions []Action
	Summary string

	// Partial is set when the loop stopped on a timeout or the turn
	// ceiling and committed what it had.
	Partial bool

	Usage trace.Usage
}

// ErrNoActions means the model attempted work but every tool call was
// rejected, or the model failed before planning anything. The caller surfaces
// it as a request failure; a retry is reasonable.
var ErrNoActions = errors.New("agent produced no successful actions")
