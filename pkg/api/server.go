// Package api exposes devstream's HTTP surface: event ingestion, health,
// session/workspace/device queries, the timeline feed, and the git-hooks
// prompt bookkeeping endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/aggregate"
	"github.com/devstream-project/devstream/pkg/ingest"
	"github.com/devstream-project/devstream/pkg/pipeline"
	"github.com/devstream-project/devstream/pkg/stream"
	"github.com/devstream-project/devstream/pkg/timeline"
	"github.com/devstream-project/devstream/pkg/version"
)

// Server wires the HTTP API's dependencies and routes.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	pool      *pgxpool.Pool
	stream    *stream.Client
	ingestor  *ingest.Ingestor
	timeline  *timeline.Assembler
	aggregate *aggregate.Service
	queue     *pipeline.Queue

	apiKey    string
	startedAt time.Time
}

// Deps are the Server's constructor dependencies.
type Deps struct {
	Pool      *pgxpool.Pool
	Stream    *stream.Client
	Ingestor  *ingest.Ingestor
	Timeline  *timeline.Assembler
	Aggregate *aggregate.Service
	Queue     *pipeline.Queue
	APIKey    string
	GinMode   string
}

// NewServer builds a Server and wires its routes. GinMode defaults to
// "release" when empty.
func NewServer(deps Deps) *Server {
	if deps.GinMode == "" {
		deps.GinMode = gin.ReleaseMode
	}
	gin.SetMode(deps.GinMode)

	s := &Server{
		router:    gin.New(),
		pool:      deps.Pool,
		stream:    deps.Stream,
		ingestor:  deps.Ingestor,
		timeline:  deps.Timeline,
		aggregate: deps.Aggregate,
		queue:     deps.Queue,
		apiKey:    deps.APIKey,
		startedAt: time.Now().UTC(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Router exposes the underlying gin engine, for tests that drive the API
// with httptest without opening a real listener.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pool exposes the underlying database pool, for tests that need to seed
// or inspect rows the handlers don't surface directly.
func (s *Server) Pool() *pgxpool.Pool {
	return s.pool
}

// Start begins serving on addr. Blocks until the server stops or errors;
// returns http.ErrServerClosed after a graceful Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP listener from accepting new requests, letting
// in-flight requests finish, per the graceful shutdown ordering in §5.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.Use(s.authMiddleware())

	api.POST("/events/ingest", s.ingestEventsHandler)
	api.GET("/health", s.healthHandler)

	api.GET("/sessions", s.listSessionsHandler)
	api.GET("/sessions/:id", s.getSessionHandler)
	api.GET("/sessions/:id/transcript", s.getSessionTranscriptHandler)
	api.GET("/sessions/:id/events", s.getSessionEventsHandler)
	api.GET("/sessions/:id/git", s.getSessionGitHandler)
	api.PATCH("/sessions/:id", s.patchSessionHandler)
	api.POST("/sessions/:id/reparse", s.reparseSessionHandler)

	api.GET("/workspaces", s.listWorkspacesHandler)
	api.GET("/workspaces/:id", s.getWorkspaceHandler)

	api.GET("/devices", s.listDevicesHandler)
	api.GET("/devices/:id", s.getDeviceHandler)

	api.GET("/timeline", s.getTimelineHandler)

	api.GET("/prompts/pending", s.getPendingPromptsHandler)
	api.POST("/prompts/dismiss", s.dismissPromptHandler)
}

// authMiddleware enforces `Authorization: Bearer <key>` on every /api route.
func (s *Server) authMiddleware() gin.HandlerFunc {
	const prefix = "Bearer "
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix || header[len(prefix):] != s.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// buildInfo is read once at startup via pkg/version for the health response.
var buildInfo = version.Full()
