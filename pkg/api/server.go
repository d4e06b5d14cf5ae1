// Package api exposes the collaborative board over HTTP: a REST surface
// for object and presence mutations, a WebSocket feed for live change
// delivery, the board-agent RPC, and operational endpoints (health,
// metrics, observability check).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencanvas/collabd/pkg/agent"
	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/hub"
	"github.com/opencanvas/collabd/pkg/services"
	"github.com/opencanvas/collabd/pkg/store"
)

// AgentRunner executes one natural-language board command. Implemented
// by agent.Executor.
type AgentRunner interface {
	Run(ctx context.Context, cmd agent.Command) (*agent.Result, error)
}

// ObservabilityChecker reports whether the tracing backend is reachable.
// Implemented by trace.Client.
type ObservabilityChecker interface {
	Health(ctx context.Context) error
}

// storeHealth is the slice of the store consulted by the health endpoint.
type storeHealth interface {
	Health(ctx context.Context) error
	ListenerUp() bool
	Stats() map[string]any
}

// eventSource serves catch-up reads from the persisted change log.
type eventSource interface {
	ChangesSince(ctx context.Context, boardID string, afterEventID int64) ([]*store.ChangeSet, bool, error)
}

// Server is the HTTP server. Route handlers live in the handler_*.go
// files; the WebSocket session protocol lives in websocket.go.
type Server struct {
	echo *echo.Echo
	http *http.Server
	cfg  *config.Config

	store    storeHealth
	events   eventSource
	registry *hub.Registry
	boards   *services.BoardService
	objects  *services.ObjectService
	presence *services.PresenceService
	verifier *TokenVerifier

	// Optional collaborators, wired via the Set* methods after
	// construction. Handlers respond 503 while unset.
	agent         AgentRunner
	observability ObservabilityChecker

	metrics http.Handler
	logger  *slog.Logger
}

// NewServer wires the HTTP server. The agent runner and observability
// client are injected separately via SetAgentRunner and SetObservability.
func NewServer(cfg *config.Config, st *store.Store, registry *hub.Registry,
	boards *services.BoardService, objects *services.ObjectService,
	presence *services.PresenceService) *Server {

	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		store:    st,
		events:   st,
		registry: registry,
		boards:   boards,
		objects:  objects,
		presence: presence,
		verifier: NewTokenVerifier(cfg.Auth),
		metrics:  promhttp.Handler(),
		logger:   slog.Default().With("component", "api"),
	}

	s.echo.Use(securityHeaders())
	s.echo.Use(corsHeaders())
	s.echo.Use(requestLogger(s.logger))
	s.routes()

	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetAgentRunner wires the board-agent executor.
func (s *Server) SetAgentRunner(r AgentRunner) {
	s.agent = r
}

// SetObservability wires the tracing backend used by /observabilityCheck.
func (s *Server) SetObservability(c ObservabilityChecker) {
	s.observability = c
}

// routes registers every endpoint. REST object and presence routes sit
// under /api/v1; the agent RPC and the observability check keep their
// top-level paths for frontend compatibility.
func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)
	e.GET("/ws", s.wsHandler)

	e.POST("/boardAgent", s.boardAgentHandler)
	e.POST("/observabilityCheck", s.observabilityCheckHandler)

	e.GET("/api/v1/boards", s.listBoardsHandler)
	e.GET("/api/v1/boards/:boardId", s.getBoardHandler)

	e.GET("/api/v1/boards/:boardId/objects", s.listObjectsHandler)
	e.POST("/api/v1/boards/:boardId/objects", s.createObjectHandler)
	e.POST("/api/v1/boards/:boardId/objects/batch", s.batchHandler)
	e.GET("/api/v1/boards/:boardId/objects/:objectId", s.getObjectHandler)
	e.PATCH("/api/v1/boards/:boardId/objects/:objectId", s.mergeObjectHandler)
	e.DELETE("/api/v1/boards/:boardId/objects/:objectId", s.deleteObjectHandler)

	e.GET("/api/v1/boards/:boardId/presence", s.listPresenceHandler)
	e.PUT("/api/v1/boards/:boardId/presence/:userId", s.putPresenceHandler)
	e.DELETE("/api/v1/boards/:boardId/presence/:userId", s.removePresenceHandler)
}

// metricsHandler serves the Prometheus registry.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests. Hijacked WebSocket connections
// are not waited on; closing the hub registry unblocks their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
