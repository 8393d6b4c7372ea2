// Package identity resolves the workspace and device identities carried on
// inbound events into stable internal records, creating them on first sight.
// Resolution is idempotent: the same canonical identifier always resolves to
// the same internal row, created at most once under concurrent writers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/devstream-project/devstream/pkg/models"
)

const defaultBranch = "main"

// Resolver resolves or creates workspaces, devices, and their link rows.
type Resolver struct {
	pool *pgxpool.Pool
}

// NewResolver creates an identity Resolver backed by the given pool.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// ResolveOrCreateWorkspace looks up a workspace by its canonical identifier,
// creating it if this is the first time it has been seen. hints supply
// best-effort metadata used only at creation time; an existing workspace's
// display name and default branch are never overwritten by later hints.
func (r *Resolver) ResolveOrCreateWorkspace(ctx context.Context, canonicalID string, hints models.WorkspaceHints) (*models.Workspace, error) {
	if canonicalID == "" {
		return nil, fmt.Errorf("identity: canonical workspace id is required")
	}

	ws, err := r.findWorkspace(ctx, canonicalID)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity: find workspace: %w", err)
	}

	displayName := hints.DisplayName
	if displayName == "" {
		displayName = lastPathSegment(canonicalID)
	}
	branch := hints.DefaultBranch
	if branch == "" {
		branch = defaultBranch
	}

	id := ulid.Make().String()
	now := time.Now().UTC()
	const q = `
		INSERT INTO workspaces (id, canonical_id, display_name, default_branch, first_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (canonical_id) DO NOTHING
		RETURNING id, canonical_id, display_name, default_branch, first_seen_at, updated_at`

	row := r.pool.QueryRow(ctx, q, id, canonicalID, displayName, branch, now)
	ws = &models.Workspace{}
	if err := row.Scan(&ws.ID, &ws.CanonicalID, &ws.DisplayName, &ws.DefaultBranch, &ws.FirstSeenAt, &ws.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the insert race to a concurrent resolver; the row now exists.
			return r.findWorkspace(ctx, canonicalID)
		}
		return nil, fmt.Errorf("identity: insert workspace: %w", err)
	}
	return ws, nil
}

func lastPathSegment(canonicalID string) string {
	trimmed := strings.TrimRight(canonicalID, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func (r *Resolver) findWorkspace(ctx context.Context, canonicalID string) (*models.Workspace, error) {
	const q = `
		SELECT id, canonical_id, display_name, default_branch, first_seen_at, updated_at
		FROM workspaces WHERE canonical_id = $1`
	ws := &models.Workspace{}
	err := r.pool.QueryRow(ctx, q, canonicalID).Scan(
		&ws.ID, &ws.CanonicalID, &ws.DisplayName, &ws.DefaultBranch, &ws.FirstSeenAt, &ws.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// ResolveOrCreateDevice looks up a device by its caller-supplied ID,
// creating it if this is the first time it has been seen. last_seen_at is
// refreshed on every call, matching every subsequent event from that device.
func (r *Resolver) ResolveOrCreateDevice(ctx context.Context, deviceID string, hints models.DeviceHints) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("identity: device id is required")
	}

	name := hints.Name
	if name == "" {
		name = models.UnknownDeviceName
	}
	devType := hints.Type
	if devType == "" {
		devType = models.DeviceTypeLocal
	}

	now := time.Now().UTC()
	const q = `
		INSERT INTO devices (id, name, type, hostname, os, arch, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
		RETURNING id, name, type, hostname, os, arch, first_seen_at, last_seen_at`

	row := r.pool.QueryRow(ctx, q, deviceID, name, devType, hints.Hostname, hints.OS, hints.Arch, now)
	dev := &models.Device{}
	if err := row.Scan(&dev.ID, &dev.Name, &dev.Type, &dev.Hostname, &dev.OS, &dev.Arch, &dev.FirstSeenAt, &dev.LastSeenAt); err != nil {
		return nil, fmt.Errorf("identity: upsert device: %w", err)
	}
	return dev, nil
}

// EnsureWorkspaceDeviceLink upserts the workspace/device link row, bumping
// last_active_at and refreshing local_path whenever a non-empty path is
// supplied. Hooks bookkeeping columns are otherwise left untouched; they are
// only mutated by the git-hooks prompt flow. The returned bool reports
// whether this call created the link row, so callers can decide whether to
// raise pending_git_hooks_prompt (see session.start in the events package).
func (r *Resolver) EnsureWorkspaceDeviceLink(ctx context.Context, workspaceID, deviceID, localPath string) (created bool, err error) {
	now := time.Now().UTC()
	const q = `
		INSERT INTO workspace_devices (workspace_id, device_id, local_path, last_active_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, device_id) DO UPDATE SET
			local_path = CASE WHEN EXCLUDED.local_path <> '' THEN EXCLUDED.local_path ELSE workspace_devices.local_path END,
			last_active_at = EXCLUDED.last_active_at
		RETURNING (xmax = 0)`
	row := r.pool.QueryRow(ctx, q, workspaceID, deviceID, localPath, now)
	if err := row.Scan(&created); err != nil {
		return false, fmt.Errorf("identity: link workspace/device: %w", err)
	}
	return created, nil
}
