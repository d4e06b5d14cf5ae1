package api

import (
	"github.com/opencanvas/collabd/pkg/agent"
	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/store"
)

// AgentResponse is returned by POST /boardAgent.
type AgentResponse struct {
	Actions []agent.Action `json:"actions"`
	Summary string         `json:"summary"`
}

// ErrorResponse is the error envelope of the agent endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned by POST /observabilityCheck.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthCheck is one named component check inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// BoardListResponse is returned by GET /api/v1/boards.
type BoardListResponse struct {
	Boards []*store.Board `json:"boards"`
}

// ObjectListResponse is returned by GET .../objects.
type ObjectListResponse struct {
	BoardID string          `json:"boardId"`
	Objects []*board.Object `json:"objects"`
}

// BatchResponse is returned by POST .../objects/batch.
type BatchResponse struct {
	EventID int64                `json:"eventId"`
	Objects []store.ObjectChange `json:"objects"`
}

// PresenceListResponse is returned by GET .../presence.
type PresenceListResponse struct {
	BoardID string                 `json:"boardId"`
	Users   []*store.PresenceEntry `json:"users"`
}
