package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listBoardsHandler handles GET /api/v1/boards.
func (s *Server) listBoardsHandler(c *echo.Context) error {
	boards, err := s.boards.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &BoardListResponse{Boards: boards})
}

// getBoardHandler handles GET /api/v1/boards/:boardId.
// Boards come into existence with their first write, so a 404 here
// only means nothing was ever drawn.
func (s *Server) getBoardHandler(c *echo.Context) error {
	boardID := c.Param("boardId")

	b, err := s.boards.Get(c.Request().Context(), boardID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, b)
}
