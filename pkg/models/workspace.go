// Package models holds the plain domain structs persisted by devstream.
// These are not ORM-tagged; pkg/database packages map database rows to
// and from these types by hand.
package models

import "time"

// Workspace is a logical project identified by a canonical_id (a remote URL
// or a hash of the root path). Created on first event that references it;
// never deleted.
type Workspace struct {
	ID            string    `json:"id"`
	CanonicalID   string    `json:"canonical_id"`
	DisplayName   string    `json:"display_name"`
	DefaultBranch string    `json:"default_branch"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WorkspaceHints are optional values supplied on first sight of a workspace.
// Only applied when the workspace row is first inserted.
type WorkspaceHints struct {
	DisplayName   string
	DefaultBranch string
}
