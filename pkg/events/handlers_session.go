package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/models"
)

// PipelineEnqueuer is the subset of the pipeline work queue the session.end
// handler needs. Defined here rather than imported from pkg/pipeline to
// avoid a dependency cycle (pkg/pipeline does not need to know about event
// handlers).
type PipelineEnqueuer interface {
	Enqueue(sessionID string)
}

// HandlerDeps bundles everything the built-in handlers need beyond the
// per-call (tx, event, workspaceID, logger) arguments.
type HandlerDeps struct {
	Identity   *identity.Resolver
	Lifecycle  *lifecycle.Machine
	Correlator *Correlator
	Pipeline   PipelineEnqueuer
}

type sessionStartPayload struct {
	CCSessionID    string `json:"cc_session_id"`
	CWD            string `json:"cwd"`
	GitBranch      string `json:"git_branch"`
	GitRemote      string `json:"git_remote"`
	CCVersion      string `json:"cc_version"`
	Model          string `json:"model"`
	Source         string `json:"source"`
	TranscriptPath string `json:"transcript_path"`
}

// SessionStartHandler upserts the session row keyed by the event's
// cc_session_id, links the workspace/device pair, and raises the git-hooks
// install prompt the first time that pair is ever seen.
func SessionStartHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, tx pgx.Tx, event models.Event, workspaceID string, logger *slog.Logger) error {
		var payload sessionStartPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("events: decode session.start payload: %w", err)
		}
		if payload.CCSessionID == "" {
			logger.Warn("session.start missing cc_session_id, dropping", "event_id", event.ID)
			return nil
		}

		const q = `
			INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, cwd, git_branch, git_remote, model, started_at)
			VALUES ($1, $2, $3, $1, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`
		if _, err := tx.Exec(ctx, q,
			payload.CCSessionID, workspaceID, event.DeviceID,
			models.LifecycleDetected, models.ParseStatusPending,
			payload.CWD, payload.GitBranch, payload.GitRemote, payload.Model,
			event.Timestamp,
		); err != nil {
			return fmt.Errorf("events: upsert session: %w", err)
		}

		// xmax=0 pattern, same upsert EnsureWorkspaceDeviceLink already uses,
		// plus the hooks-install-prompt columns this handler owns.
		const linkQ = `
			INSERT INTO workspace_devices (workspace_id, device_id, local_path, last_active_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (workspace_id, device_id) DO UPDATE SET
				local_path = CASE WHEN EXCLUDED.local_path <> '' THEN EXCLUDED.local_path ELSE workspace_devices.local_path END,
				last_active_at = EXCLUDED.last_active_at
			RETURNING (xmax = 0), git_hooks_installed, git_hooks_prompted`
		var created, hooksInstalled, hooksPrompted bool
		row := tx.QueryRow(ctx, linkQ, workspaceID, event.DeviceID, payload.CWD, event.Timestamp)
		if err := row.Scan(&created, &hooksInstalled, &hooksPrompted); err != nil {
			return fmt.Errorf("events: link workspace/device: %w", err)
		}
		if created && !hooksInstalled && !hooksPrompted {
			const promptQ = `UPDATE workspace_devices SET pending_git_hooks_prompt = true WHERE workspace_id = $1 AND device_id = $2`
			if _, err := tx.Exec(ctx, promptQ, workspaceID, event.DeviceID); err != nil {
				return fmt.Errorf("events: raise git-hooks prompt: %w", err)
			}
		}
		return nil
	}
}

type sessionEndPayload struct {
	CCSessionID    string `json:"cc_session_id"`
	DurationMs     int64  `json:"duration_ms"`
	EndReason      string `json:"end_reason"`
	TranscriptPath string `json:"transcript_path"`
}

// SessionEndHandler transitions a session to ended and, on success, enqueues
// it on the pipeline queue. A CAS miss (the session already moved, or was
// never detected) is logged and treated as a no-op, not an error.
func SessionEndHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, tx pgx.Tx, event models.Event, workspaceID string, logger *slog.Logger) error {
		var payload sessionEndPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("events: decode session.end payload: %w", err)
		}
		if payload.CCSessionID == "" {
			logger.Warn("session.end missing cc_session_id, dropping", "event_id", event.ID)
			return nil
		}

		extra := map[string]any{
			"ended_at":    event.Timestamp,
			"duration_ms": payload.DurationMs,
		}
		if payload.TranscriptPath != "" {
			extra["transcript_s3_key"] = payload.TranscriptPath
		}

		result, err := deps.Lifecycle.TransitionSessionTx(ctx, tx, payload.CCSessionID,
			[]models.Lifecycle{models.LifecycleDetected, models.LifecycleCapturing},
			models.LifecycleEnded, extra,
		)
		if err != nil {
			return fmt.Errorf("events: transition session.end: %w", err)
		}
		if !result.Success {
			logger.Warn("session.end CAS no-op", "cc_session_id", payload.CCSessionID, "reason", result.Reason)
			return nil
		}
		if deps.Pipeline != nil {
			deps.Pipeline.Enqueue(payload.CCSessionID)
		}
		return nil
	}
}
