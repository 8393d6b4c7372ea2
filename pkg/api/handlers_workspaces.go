package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devstream-project/devstream/pkg/aggregate"
)

// listWorkspacesHandler handles GET /api/workspaces.
func (s *Server) listWorkspacesHandler(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	var cursor *aggregate.Cursor
	if raw := c.Query("cursor"); raw != "" {
		decoded, err := aggregate.DecodeCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
			return
		}
		cursor = &decoded
	}

	result, err := s.aggregate.ListWorkspaces(c.Request.Context(), limit, cursor)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getWorkspaceHandler handles GET /api/workspaces/:id.
func (s *Server) getWorkspaceHandler(c *gin.Context) {
	detail, err := s.aggregate.GetWorkspaceDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}
