package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/opencanvas/collabd/pkg/agent"
)

// boardAgentHandler handles POST /boardAgent.
// Runs one natural-language command against a board and returns the
// actions the agent committed. Error bodies use the {error} envelope
// the canvas frontend expects, not echo's default message shape.
func (s *Server) boardAgentHandler(c *echo.Context) error {
	token := bearerToken(c)
	if token == "" {
		return c.JSON(http.StatusUnauthorized, &ErrorResponse{Error: "missing bearer token"})
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, &ErrorResponse{Error: "invalid token"})
	}

	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "malformed request body"})
	}
	if req.BoardID == "" {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "boardId is required"})
	}
	if strings.TrimSpace(req.Command) == "" {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "command is required"})
	}

	if s.agent == nil {
		return c.JSON(http.StatusServiceUnavailable, &ErrorResponse{Error: "agent is not available"})
	}

	result, err := s.agent.Run(c.Request().Context(), agent.Command{
		BoardID:    req.BoardID,
		UserID:     userID,
		Command:    req.Command,
		BoardState: req.BoardState,
	})
	if err != nil {
		s.logger.Error("Agent run failed", "board_id", req.BoardID, "user_id", userID, "error", err)
		return c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: err.Error()})
	}

	actions := result.Actions
	if actions == nil {
		actions = []agent.Action{}
	}
	return c.JSON(http.StatusOK, &AgentResponse{Actions: actions, Summary: result.Summary})
}
