package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opencanvas/collabd/pkg/store"
)

// listPresenceHandler handles GET /api/v1/boards/:boardId/presence.
// Stale entries are filtered; only cursors seen within the visibility
// window appear.
func (s *Server) listPresenceHandler(c *echo.Context) error {
	boardID := c.Param("boardId")

	users, err := s.presence.List(c.Request().Context(), boardID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &PresenceListResponse{BoardID: boardID, Users: users})
}

// putPresenceHandler handles PUT /api/v1/boards/:boardId/presence/:userId.
// Writes are throttled per user; a burst of cursor moves coalesces to
// the trailing position. A verified bearer token must match the path.
func (s *Server) putPresenceHandler(c *echo.Context) error {
	boardID := c.Param("boardId")
	userID := c.Param("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	if err := s.checkPresenceIdentity(c, userID); err != nil {
		return err
	}

	var req PresenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	tracker, err := s.registry.Tracker(c.Request().Context(), boardID)
	if err != nil {
		return mapServiceError(err)
	}

	entry := store.PresenceEntry{
		UserID:      userID,
		DisplayName: req.DisplayName,
		Cursor:      req.Cursor,
		CursorColor: req.CursorColor,
	}
	if err := tracker.Update(c.Request().Context(), entry); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// removePresenceHandler handles DELETE /api/v1/boards/:boardId/presence/:userId.
func (s *Server) removePresenceHandler(c *echo.Context) error {
	boardID := c.Param("boardId")
	userID := c.Param("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	if err := s.checkPresenceIdentity(c, userID); err != nil {
		return err
	}

	tracker, err := s.registry.Tracker(c.Request().Context(), boardID)
	if err != nil {
		return mapServiceError(err)
	}
	if err := tracker.Leave(c.Request().Context(), userID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// checkPresenceIdentity rejects a presence write whose path user does
// not match a verified bearer token. Without a token the path user is
// trusted; cursor identity is the client's claim to make.
func (s *Server) checkPresenceIdentity(c *echo.Context, userID string) error {
	tok := bearerToken(c)
	if tok == "" {
		return nil
	}
	verified, err := s.verifier.Verify(tok)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if verified != userID {
		return echo.NewHTTPError(http.StatusForbidden, "token does not match userId")
	}
	return nil
}
