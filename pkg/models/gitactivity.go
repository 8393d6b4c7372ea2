package models

import (
	"encoding/json"
	"time"
)

// GitActivity is a normalized record of one git event (commit, push,
// checkout, merge). Created idempotently — its ID is the originating
// event's ID, inserted with ON CONFLICT DO NOTHING. Owned by its workspace;
// optionally references a session by weak link.
type GitActivity struct {
	ID            string          `json:"id"`
	WorkspaceID   string          `json:"workspace_id"`
	DeviceID      string          `json:"device_id"`
	SessionID     *string         `json:"session_id,omitempty"`
	Type          EventType       `json:"type"`
	Branch        string          `json:"branch,omitempty"`
	CommitSHA     string          `json:"commit_sha,omitempty"`
	Message       string          `json:"message,omitempty"`
	FilesChanged  int             `json:"files_changed,omitempty"`
	Insertions    int             `json:"insertions,omitempty"`
	Deletions     int             `json:"deletions,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}
