package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opencanvas/collabd/pkg/hub"
	"github.com/opencanvas/collabd/pkg/services"
	"github.com/opencanvas/collabd/pkg/store"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	// A closed hub or store means shutdown is in progress; in-flight
	// writes get a retryable status, not a 500.
	if errors.Is(err, hub.ErrClosed) || errors.Is(err, store.ErrClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
