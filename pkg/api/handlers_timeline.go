package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devstream-project/devstream/pkg/timeline"
)

// getTimelineHandler handles GET /api/timeline.
func (s *Server) getTimelineHandler(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	params := timeline.Params{
		WorkspaceID: c.Query("workspace_id"),
		DeviceID:    c.Query("device_id"),
		Limit:       limit,
	}

	if raw := c.Query("after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after timestamp"})
			return
		}
		params.After = &t
	}
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
			return
		}
		params.Before = &t
	}
	if raw := c.Query("types"); raw != "" {
		params.Types = strings.Split(raw, ",")
	}
	if raw := c.Query("cursor"); raw != "" {
		cursor, err := timeline.DecodeCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
			return
		}
		params.Cursor = &cursor
	}

	result, err := s.timeline.Assemble(c.Request.Context(), params)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
