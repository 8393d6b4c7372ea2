package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/devstream-project/devstream/pkg/models"
)

type commitPayload struct {
	Hash         string `json:"hash"`
	Message      string `json:"message"`
	Branch       string `json:"branch"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
}

type pushPayload struct {
	Branch string `json:"branch"`
}

type checkoutPayload struct {
	ToRef    *string `json:"to_ref"`
	ToBranch *string `json:"to_branch"`
}

type mergePayload struct {
	IntoBranch   string `json:"into_branch"`
	MergeCommit  string `json:"merge_commit"`
	Message      string `json:"message"`
	FilesChanged int    `json:"files_changed"`
}

// gitActivityFields extracts the columns git_activity stores outside of
// `data`, per event type. Everything else rides along in the JSONB blob
// verbatim.
func gitActivityFields(eventType models.EventType, data json.RawMessage) (branch, commitSHA, message string, filesChanged, insertions, deletions int, err error) {
	switch eventType {
	case models.EventTypeGitCommit:
		var p commitPayload
		if err = json.Unmarshal(data, &p); err != nil {
			return
		}
		return p.Branch, p.Hash, p.Message, p.FilesChanged, p.Insertions, p.Deletions, nil
	case models.EventTypeGitPush:
		var p pushPayload
		if err = json.Unmarshal(data, &p); err != nil {
			return
		}
		return p.Branch, "", "", 0, 0, 0, nil
	case models.EventTypeGitCheckout:
		var p checkoutPayload
		if err = json.Unmarshal(data, &p); err != nil {
			return
		}
		branch = ""
		if p.ToBranch != nil {
			branch = *p.ToBranch
		} else if p.ToRef != nil {
			branch = *p.ToRef
		}
		return branch, "", "", 0, 0, 0, nil
	case models.EventTypeGitMerge:
		var p mergePayload
		if err = json.Unmarshal(data, &p); err != nil {
			return
		}
		return p.IntoBranch, p.MergeCommit, p.Message, p.FilesChanged, 0, 0, nil
	default:
		err = fmt.Errorf("events: unsupported git activity type %q", eventType)
		return
	}
}

// GitActivityHandler handles all four git.* event types: it runs the
// session correlator, inserts the normalized git_activity row (idempotent
// on event ID), and back-fills the event's session_id when correlated.
func GitActivityHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, tx pgx.Tx, event models.Event, workspaceID string, logger *slog.Logger) error {
		branch, commitSHA, message, filesChanged, insertions, deletions, err := gitActivityFields(event.Type, event.Data)
		if err != nil {
			return fmt.Errorf("events: decode %s payload: %w", event.Type, err)
		}

		sessionID, err := deps.Correlator.FindSession(ctx, tx, workspaceID, event.DeviceID, event.Timestamp)
		if err != nil {
			return err
		}

		const q = `
			INSERT INTO git_activity (id, workspace_id, device_id, session_id, type, branch, commit_sha, message, files_changed, insertions, deletions, timestamp, data)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`
		if _, err := tx.Exec(ctx, q,
			event.ID, workspaceID, event.DeviceID, sessionID,
			event.Type, branch, commitSHA, message, filesChanged, insertions, deletions,
			event.Timestamp, event.Data,
		); err != nil {
			return fmt.Errorf("events: insert git_activity: %w", err)
		}

		if sessionID != "" {
			const backfillQ = `UPDATE events SET session_id = $1 WHERE id = $2 AND session_id IS NULL`
			if _, err := tx.Exec(ctx, backfillQ, sessionID, event.ID); err != nil {
				return fmt.Errorf("events: backfill event session_id: %w", err)
			}
		}
		return nil
	}
}
