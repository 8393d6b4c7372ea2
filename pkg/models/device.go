package models

import "time"

// DeviceType distinguishes a local workstation from a remote runner.
type DeviceType string

// Device types.
const (
	DeviceTypeLocal  DeviceType = "local"
	DeviceTypeRemote DeviceType = "remote"
)

// UnknownDeviceName is substituted whenever a caller supplies an empty name.
const UnknownDeviceName = "unknown-device"

// Device is a workstation identified by a caller-supplied ID. Upserted
// idempotently; LastSeenAt is refreshed on every event.
type Device struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        DeviceType `json:"type"`
	Hostname    string     `json:"hostname,omitempty"`
	OS          string     `json:"os,omitempty"`
	Arch        string     `json:"arch,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
}

// DeviceHints are optional values that fill NULLable columns only on insert.
type DeviceHints struct {
	Name     string
	Type     DeviceType
	Hostname string
	OS       string
	Arch     string
}

// WorkspaceDevice is the junction row keyed by (workspace_id, device_id).
//
// Invariant: once GitHooksInstalled is true, the system never sets
// PendingGitHooksPrompt back to true; once GitHooksPrompted is true, the
// pending flag is not re-raised for the same pair.
type WorkspaceDevice struct {
	WorkspaceID            string    `json:"workspace_id"`
	DeviceID                string    `json:"device_id"`
	LocalPath               string    `json:"local_path"`
	GitHooksInstalled       bool      `json:"git_hooks_installed"`
	GitHooksPrompted        bool      `json:"git_hooks_prompted"`
	PendingGitHooksPrompt   bool      `json:"pending_git_hooks_prompt"`
	LastActiveAt            time.Time `json:"last_active_at"`
}
