package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates the event types devstream understands.
type EventType string

// Event types.
const (
	EventTypeSessionStart  EventType = "session.start"
	EventTypeSessionEnd    EventType = "session.end"
	EventTypeGitCommit     EventType = "git.commit"
	EventTypeGitPush       EventType = "git.push"
	EventTypeGitCheckout   EventType = "git.checkout"
	EventTypeGitMerge      EventType = "git.merge"
)

// GitEventTypes lists the event types the git-activity handler serves.
var GitEventTypes = []EventType{EventTypeGitCommit, EventTypeGitPush, EventTypeGitCheckout, EventTypeGitMerge}

// Event is the raw envelope posted by a device. Append-only; never mutated
// except for a SessionID back-fill when an orphan event is later correlated
// to a session.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	WorkspaceID string          `json:"workspace_id"`
	SessionID   *string         `json:"session_id,omitempty"`
	Data        json.RawMessage `json:"data"`
	IngestedAt  time.Time       `json:"ingested_at"`
	BlobRefs    json.RawMessage `json:"blob_refs,omitempty"`
}

// IngestEvent is the wire shape of one element of the ingest batch body.
type IngestEvent struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	WorkspaceID string          `json:"workspace_id"`
	Data        json.RawMessage `json:"data"`
}
