package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

const promptTypeGitHooksInstall = "git_hooks_install"

// pendingPrompt is one element of GET /api/prompts/pending's prompts[].
type pendingPrompt struct {
	Type                 string `json:"type"`
	WorkspaceID          string `json:"workspace_id"`
	WorkspaceName        string `json:"workspace_name"`
	WorkspaceCanonicalID string `json:"workspace_canonical_id"`
	DeviceID             string `json:"device_id"`
}

// getPendingPromptsHandler handles GET /api/prompts/pending.
func (s *Server) getPendingPromptsHandler(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	rows, err := s.pool.Query(c.Request.Context(), `
		SELECT w.id, w.display_name, w.canonical_id, wd.device_id
		FROM workspace_devices wd
		JOIN workspaces w ON w.id = wd.workspace_id
		WHERE wd.device_id = $1
		  AND wd.pending_git_hooks_prompt = true
		  AND wd.git_hooks_installed = false
		  AND wd.git_hooks_prompted = false`, deviceID)
	if err != nil {
		writeServiceError(c, fmt.Errorf("load pending prompts: %w", err))
		return
	}
	defer rows.Close()

	var prompts []pendingPrompt
	for rows.Next() {
		var p pendingPrompt
		p.Type = promptTypeGitHooksInstall
		if err := rows.Scan(&p.WorkspaceID, &p.WorkspaceName, &p.WorkspaceCanonicalID, &p.DeviceID); err != nil {
			writeServiceError(c, fmt.Errorf("scan pending prompt: %w", err))
			return
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

type dismissPromptRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	DeviceID    string `json:"device_id" binding:"required"`
	Action      string `json:"action" binding:"required,oneof=accepted declined"`
}

// dismissPromptHandler handles POST /api/prompts/dismiss.
func (s *Server) dismissPromptHandler(c *gin.Context) {
	var req dismissPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query := `
		UPDATE workspace_devices
		SET pending_git_hooks_prompt = false, git_hooks_prompted = true`
	if req.Action == "accepted" {
		query += `, git_hooks_installed = true`
	}
	query += ` WHERE workspace_id = $1 AND device_id = $2`

	tag, err := s.pool.Exec(c.Request.Context(), query, req.WorkspaceID, req.DeviceID)
	if err != nil {
		writeServiceError(c, fmt.Errorf("dismiss prompt: %w", err))
		return
	}
	if tag.RowsAffected() == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
