package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opencanvas/collabd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only collabd's own components are checked: the database and the
// NOTIFY listener. External dependencies (Anthropic, Langfuse) are
// excluded so an upstream outage cannot make the orchestrator restart
// a perfectly good pod.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.store.Health(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	// A down listener degrades cross-process delivery but local state
	// stays correct, so it never fails the probe on its own.
	if s.store.ListenerUp() {
		checks["listener"] = HealthCheck{Status: healthStatusHealthy}
	} else {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["listener"] = HealthCheck{Status: healthStatusDegraded, Message: "notify listener reconnecting"}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
