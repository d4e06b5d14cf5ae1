package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// observabilityCheckHandler handles POST /observabilityCheck.
// Probes the Langfuse backend so the frontend can surface a tracing
// outage before a user fires an agent command into the void.
func (s *Server) observabilityCheckHandler(c *echo.Context) error {
	if s.observability == nil {
		return c.JSON(http.StatusInternalServerError, &StatusResponse{
			Status:  "error",
			Message: "observability is not configured",
		})
	}

	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	if err := s.observability.Health(reqCtx); err != nil {
		return c.JSON(http.StatusInternalServerError, &StatusResponse{
			Status:  "error",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, &StatusResponse{Status: "ok"})
}
