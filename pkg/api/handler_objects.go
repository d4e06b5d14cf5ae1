package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listObjectsHandler handles GET /api/v1/boards/:boardId/objects.
// Returns the visible snapshot: typeless skeletons and dangling
// connectors are filtered out.
func (s *Server) listObjectsHandler(c *echo.Context) error {
	boardID := c.Param("boardId")

	objects, err := s.objects.List(c.Request().Context(), boardID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ObjectListResponse{BoardID: boardID, Objects: objects})
}

// getObjectHandler handles GET /api/v1/boards/:boardId/objects/:objectId.
func (s *Server) getObjectHandler(c *echo.Context) error {
	boardID := c.Param("boardId")
	objectID := c.Param("objectId")

	obj, err := s.objects.Get(c.Request().Context(), boardID, objectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, obj)
}

// createObjectHandler handles POST /api/v1/boards/:boardId/objects.
func (s *Server) createObjectHandler(c *echo.Context) error {
	boardID := c.Param("boardId")

	var req CreateObjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fields are required")
	}

	editor := s.resolveEditor(c, req.UserID)
	obj, err := s.objects.Create(c.Request().Context(), boardID, editor, req.ObjectID, req.Fields)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, obj)
}

// mergeObjectHandler handles PATCH /api/v1/boards/:boardId/objects/:objectId.
// Only the named fields change; concurrent merges of disjoint fields
// both survive.
func (s *Server) mergeObjectHandler(c *echo.Context) error {
	boardID := c.Param("boardId")
	objectID := c.Param("objectId")

	var req MergeObjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	editor := s.resolveEditor(c, req.UserID)
	obj, err := s.objects.Merge(c.Request().Context(), boardID, editor, objectID, req.Fields)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, obj)
}

// deleteObjectHandler handles DELETE /api/v1/boards/:boardId/objects/:objectId.
// Deleting a missing object succeeds; connectors attached to the object
// disappear from reads once it is gone.
func (s *Server) deleteObjectHandler(c *echo.Context) error {
	boardID := c.Param("boardId")
	objectID := c.Param("objectId")

	editor := s.resolveEditor(c, c.QueryParam("userId"))
	if err := s.objects.Delete(c.Request().Context(), boardID, editor, objectID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// batchHandler handles POST /api/v1/boards/:boardId/objects/batch.
// The whole batch commits atomically and produces one change event.
func (s *Server) batchHandler(c *echo.Context) error {
	boardID := c.Param("boardId")

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Writes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "writes are required")
	}

	editor := s.resolveEditor(c, req.UserID)
	set, err := s.objects.ApplyBatch(c.Request().Context(), boardID, editor, req.Writes)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &BatchResponse{EventID: set.EventID, Objects: set.Objects})
}
