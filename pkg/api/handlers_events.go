package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devstream-project/devstream/pkg/ingest"
	"github.com/devstream-project/devstream/pkg/models"
)

type ingestRequest struct {
	Events []models.IngestEvent `json:"events"`
}

// ingestEventsHandler handles POST /api/events/ingest.
func (s *Server) ingestEventsHandler(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Events) > ingest.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch exceeds maximum size"})
		return
	}

	result, err := s.ingestor.Ingest(c.Request.Context(), req.Events)
	if err != nil {
		var validation *ingest.ValidationError
		if errors.As(err, &validation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "fields": validation.Errors})
			return
		}
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"ingested": result.Ingested, "duplicates": result.Duplicates})
}

// healthResponse is the GET /api/health body.
type healthResponse struct {
	Status    string `json:"status"`
	Postgres  bool   `json:"postgres"`
	Redis     bool   `json:"redis"`
	WSClients int    `json:"ws_clients"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
}

// healthHandler handles GET /api/health.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	pgOK := s.pool.Ping(ctx) == nil
	redisOK := s.stream == nil || s.stream.Ping(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !pgOK || !redisOK {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, healthResponse{
		Status:    status,
		Postgres:  pgOK,
		Redis:     redisOK,
		WSClients: 0,
		Uptime:    time.Since(s.startedAt).String(),
		Version:   buildInfo,
	})
}
