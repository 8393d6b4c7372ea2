package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/devstream-project/devstream/pkg/errors"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/timeline"
)

type sessionListResult struct {
	Sessions   []models.Session `json:"sessions"`
	NextCursor *string          `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// listSessionsHandler handles GET /api/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	var cursor *timeline.Cursor
	if raw := c.Query("cursor"); raw != "" {
		decoded, err := timeline.DecodeCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
			return
		}
		cursor = &decoded
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if wsID := c.Query("workspace_id"); wsID != "" {
		where = append(where, "workspace_id = "+arg(wsID))
	}
	if lc := c.Query("lifecycle"); lc != "" {
		where = append(where, "lifecycle = "+arg(lc))
	}
	if cursor != nil {
		where = append(where, fmt.Sprintf("(started_at, id) < (%s, %s)", arg(cursor.U), arg(cursor.I)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}
	limitArg := arg(limit + 1)

	query := fmt.Sprintf(`
		SELECT id, workspace_id, device_id, cc_session_id, lifecycle, parse_status,
		       cwd, git_branch, git_remote, model, started_at, ended_at, duration_ms,
		       transcript_s3_key, parse_error, summary,
		       total_messages, user_messages, assistant_messages, tokens_in, tokens_out,
		       cache_read_tokens, cache_write_tokens, tool_use_count, thinking_blocks,
		       subagent_count, cost_estimate_usd, initial_prompt
		FROM sessions
		%s
		ORDER BY started_at DESC, id DESC
		LIMIT %s`, whereClause, limitArg)

	rows, err := s.pool.Query(c.Request.Context(), query, args...)
	if err != nil {
		writeServiceError(c, fmt.Errorf("list sessions: %w", err))
		return
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(
			&sess.ID, &sess.WorkspaceID, &sess.DeviceID, &sess.CCSessionID, &sess.Lifecycle, &sess.ParseStatus,
			&sess.CWD, &sess.GitBranch, &sess.GitRemote, &sess.Model, &sess.StartedAt, &sess.EndedAt, &sess.DurationMs,
			&sess.TranscriptS3Key, &sess.ParseError, &sess.Summary,
			&sess.TotalMessages, &sess.UserMessages, &sess.AssistantMessages, &sess.TokensIn, &sess.TokensOut,
			&sess.CacheReadTokens, &sess.CacheWriteTokens, &sess.ToolUseCount, &sess.ThinkingBlocks,
			&sess.SubagentCount, &sess.CostEstimateUSD, &sess.InitialPrompt,
		); err != nil {
			writeServiceError(c, fmt.Errorf("scan session: %w", err))
			return
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		writeServiceError(c, fmt.Errorf("iterate sessions: %w", err))
		return
	}

	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	var next *string
	if hasMore && len(sessions) > 0 {
		last := sessions[len(sessions)-1]
		encoded := timeline.EncodeCursor(timeline.Cursor{U: last.StartedAt, I: last.ID})
		next = &encoded
	}

	c.JSON(http.StatusOK, sessionListResult{Sessions: sessions, NextCursor: next, HasMore: hasMore})
}

func (s *Server) loadSessionRow(c *gin.Context) (string, bool) {
	id, err := s.aggregate.ResolveSessionID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return "", false
	}
	return id, true
}

// getSessionHandler handles GET /api/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	id, ok := s.loadSessionRow(c)
	if !ok {
		return
	}

	var sess models.Session
	row := s.pool.QueryRow(c.Request.Context(), `
		SELECT id, workspace_id, device_id, cc_session_id, lifecycle, parse_status,
		       cwd, git_branch, git_remote, model, started_at, ended_at, duration_ms,
		       transcript_s3_key, parse_error, summary,
		       total_messages, user_messages, assistant_messages, tokens_in, tokens_out,
		       cache_read_tokens, cache_write_tokens, tool_use_count, thinking_blocks,
		       subagent_count, cost_estimate_usd, initial_prompt
		FROM sessions WHERE id = $1`, id)
	if err := row.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.DeviceID, &sess.CCSessionID, &sess.Lifecycle, &sess.ParseStatus,
		&sess.CWD, &sess.GitBranch, &sess.GitRemote, &sess.Model, &sess.StartedAt, &sess.EndedAt, &sess.DurationMs,
		&sess.TranscriptS3Key, &sess.ParseError, &sess.Summary,
		&sess.TotalMessages, &sess.UserMessages, &sess.AssistantMessages, &sess.TokensIn, &sess.TokensOut,
		&sess.CacheReadTokens, &sess.CacheWriteTokens, &sess.ToolUseCount, &sess.ThinkingBlocks,
		&sess.SubagentCount, &sess.CostEstimateUSD, &sess.InitialPrompt,
	); err != nil {
		if err == pgx.ErrNoRows {
			writeServiceError(c, apperrors.ErrNotFound)
			return
		}
		writeServiceError(c, fmt.Errorf("load session: %w", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// getSessionTranscriptHandler handles GET /api/sessions/:id/transcript.
func (s *Server) getSessionTranscriptHandler(c *gin.Context) {
	id, ok := s.loadSessionRow(c)
	if !ok {
		return
	}

	rows, err := s.pool.Query(c.Request.Context(), `
		SELECT id, session_id, line_number, ordinal, message_type, role, model,
		       tokens_in, tokens_out, cache_read_tokens, cache_write_tokens, cost_usd, timestamp,
		       has_text, has_thinking, has_tool_use, has_tool_result, raw_message, metadata
		FROM transcript_messages WHERE session_id = $1 ORDER BY ordinal`, id)
	if err != nil {
		writeServiceError(c, fmt.Errorf("load transcript: %w", err))
		return
	}
	defer rows.Close()

	var messages []models.TranscriptMessage
	for rows.Next() {
		var m models.TranscriptMessage
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.LineNumber, &m.Ordinal, &m.MessageType, &m.Role, &m.Model,
			&m.TokensIn, &m.TokensOut, &m.CacheRead, &m.CacheWrite, &m.CostUSD, &m.Timestamp,
			&m.HasText, &m.HasThinking, &m.HasToolUse, &m.HasToolResult, &m.RawMessage, &m.Metadata,
		); err != nil {
			writeServiceError(c, fmt.Errorf("scan transcript message: %w", err))
			return
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// getSessionEventsHandler handles GET /api/sessions/:id/events.
func (s *Server) getSessionEventsHandler(c *gin.Context) {
	id, ok := s.loadSessionRow(c)
	if !ok {
		return
	}

	rows, err := s.pool.Query(c.Request.Context(), `
		SELECT id, type, timestamp, device_id, workspace_id, session_id, data, ingested_at, blob_refs
		FROM events WHERE session_id = $1 ORDER BY timestamp`, id)
	if err != nil {
		writeServiceError(c, fmt.Errorf("load session events: %w", err))
		return
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.DeviceID, &e.WorkspaceID, &e.SessionID, &e.Data, &e.IngestedAt, &e.BlobRefs); err != nil {
			writeServiceError(c, fmt.Errorf("scan session event: %w", err))
			return
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// getSessionGitHandler handles GET /api/sessions/:id/git.
func (s *Server) getSessionGitHandler(c *gin.Context) {
	id, ok := s.loadSessionRow(c)
	if !ok {
		return
	}

	rows, err := s.pool.Query(c.Request.Context(), `
		SELECT id, workspace_id, device_id, session_id, type, branch, commit_sha, message,
		       files_changed, insertions, deletions, timestamp, data
		FROM git_activity WHERE session_id = $1 ORDER BY timestamp`, id)
	if err != nil {
		writeServiceError(c, fmt.Errorf("load session git activity: %w", err))
		return
	}
	defer rows.Close()

	var activity []models.GitActivity
	for rows.Next() {
		var ga models.GitActivity
		if err := rows.Scan(
			&ga.ID, &ga.WorkspaceID, &ga.DeviceID, &ga.SessionID, &ga.Type, &ga.Branch,
			&ga.CommitSHA, &ga.Message, &ga.FilesChanged, &ga.Insertions, &ga.Deletions,
			&ga.Timestamp, &ga.Data,
		); err != nil {
			writeServiceError(c, fmt.Errorf("scan git activity: %w", err))
			return
		}
		activity = append(activity, ga)
	}
	if err := rows.Err(); err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"git_activity": activity})
}

// patchableSessionFields are the only columns a PATCH may update.
var patchableSessionFields = map[string]bool{
	"git_branch": true,
	"git_remote": true,
	"cwd":        true,
	"model":      true,
	"summary":    true,
}

// patchSessionHandler handles PATCH /api/sessions/:id.
func (s *Server) patchSessionHandler(c *gin.Context) {
	id, ok := s.loadSessionRow(c)
	if !ok {
		return
	}

	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var setClauses []string
	var args []any
	for field, raw := range body {
		if !patchableSessionFields[field] {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("field %q is not patchable", field)})
			return
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("field %q must be a string", field)})
			return
		}
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, len(args)))
	}

	if len(setClauses) > 0 {
		args = append(args, id)
		query := fmt.Sprintf("UPDATE sessions SET %s, updated_at = now() WHERE id = $%d",
			strings.Join(setClauses, ", "), len(args))
		if _, err := s.pool.Exec(c.Request.Context(), query, args...); err != nil {
			writeServiceError(c, fmt.Errorf("patch session: %w", err))
			return
		}
	}

	s.getSessionHandler(c)
}

// reparseSessionHandler handles POST /api/sessions/:id/reparse.
func (s *Server) reparseSessionHandler(c *gin.Context) {
	id, ok := s.loadSessionRow(c)
	if !ok {
		return
	}
	newLifecycle, err := s.aggregate.ReparseSession(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"lifecycle": newLifecycle})
}

// parseLimit reads and validates the `limit` query parameter, writing a 400
// response and returning ok=false on failure.
func parseLimit(c *gin.Context) (int, bool) {
	limit := timeline.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > timeline.MaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 250"})
			return 0, false
		}
		limit = v
	}
	return limit, true
}
