package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/devstream-project/devstream/pkg/errors"
	"github.com/devstream-project/devstream/pkg/models"
)

// DeviceSummary is one row of the device list endpoint.
type DeviceSummary struct {
	models.Device
	SessionCount       int        `json:"session_count"`
	WorkspaceCount     int        `json:"workspace_count"`
	ActiveSessionCount int        `json:"active_session_count"`
	LastSessionAt      *time.Time `json:"last_session_at"`
	TotalCostUSD       float64    `json:"total_cost_usd"`
	TotalDurationMs    int64      `json:"total_duration_ms"`
}

// ListDevices returns every device with its session/workspace rollups. The
// device list endpoint is unpaginated, per §6.
func (s *Service) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stats AS (
			SELECT device_id,
			       count(*) AS session_count,
			       count(*) FILTER (WHERE lifecycle IN ('detected', 'capturing')) AS active_session_count,
			       coalesce(sum(cost_estimate_usd), 0) AS total_cost_usd,
			       coalesce(sum(duration_ms), 0) AS total_duration_ms,
			       max(started_at) AS last_session_at
			FROM sessions
			GROUP BY device_id
		), workspaces AS (
			SELECT device_id, count(DISTINCT workspace_id) AS workspace_count
			FROM workspace_devices
			GROUP BY device_id
		)
		SELECT d.id, d.name, d.type, d.hostname, d.os, d.arch, d.first_seen_at, d.last_seen_at,
		       coalesce(stats.session_count, 0), coalesce(workspaces.workspace_count, 0),
		       coalesce(stats.active_session_count, 0), stats.last_session_at,
		       coalesce(stats.total_cost_usd, 0), coalesce(stats.total_duration_ms, 0)
		FROM devices d
		LEFT JOIN stats ON stats.device_id = d.id
		LEFT JOIN workspaces ON workspaces.device_id = d.id
		ORDER BY d.last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("aggregate: list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceSummary
	for rows.Next() {
		var d DeviceSummary
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Type, &d.Hostname, &d.OS, &d.Arch, &d.FirstSeenAt, &d.LastSeenAt,
			&d.SessionCount, &d.WorkspaceCount, &d.ActiveSessionCount, &d.LastSessionAt,
			&d.TotalCostUSD, &d.TotalDurationMs,
		); err != nil {
			return nil, fmt.Errorf("aggregate: scan device summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// WorkspaceRef is the abbreviated workspace reference carried in device
// detail's workspaces[].
type WorkspaceRef struct {
	models.Workspace
	LocalPath string `json:"local_path"`
}

// DeviceDetail is the response shape of GET /api/devices/:id.
type DeviceDetail struct {
	Device         models.Device    `json:"device"`
	Workspaces     []WorkspaceRef   `json:"workspaces"`
	RecentSessions []SessionWithDevice `json:"recent_sessions"`
	Stats          WorkspaceStats   `json:"stats"`
}

// GetDeviceDetail resolves identifier (ULID, exact name, or unique prefix)
// and bundles the device row with its linked workspaces, recent sessions,
// and aggregate stats.
func (s *Service) GetDeviceDetail(ctx context.Context, identifier string) (DeviceDetail, error) {
	id, err := s.ResolveDeviceID(ctx, identifier)
	if err != nil {
		return DeviceDetail{}, err
	}

	var detail DeviceDetail
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, type, hostname, os, arch, first_seen_at, last_seen_at
		FROM devices WHERE id = $1`, id)
	if err := row.Scan(
		&detail.Device.ID, &detail.Device.Name, &detail.Device.Type, &detail.Device.Hostname,
		&detail.Device.OS, &detail.Device.Arch, &detail.Device.FirstSeenAt, &detail.Device.LastSeenAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeviceDetail{}, apperrors.ErrNotFound
		}
		return DeviceDetail{}, fmt.Errorf("aggregate: load device: %w", err)
	}

	workspaces, err := s.workspacesForDevice(ctx, id)
	if err != nil {
		return DeviceDetail{}, err
	}
	detail.Workspaces = workspaces

	sessions, err := s.recentSessionsForDevice(ctx, id)
	if err != nil {
		return DeviceDetail{}, err
	}
	detail.RecentSessions = sessions

	var stats WorkspaceStats
	row = s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE lifecycle IN ('detected', 'capturing')),
		       coalesce(sum(cost_estimate_usd), 0), coalesce(sum(duration_ms), 0)
		FROM sessions WHERE device_id = $1`, id)
	if err := row.Scan(&stats.SessionCount, &stats.ActiveSessionCount, &stats.TotalCostUSD, &stats.TotalDurationMs); err != nil {
		return DeviceDetail{}, fmt.Errorf("aggregate: device stats: %w", err)
	}
	detail.Stats = stats

	return detail, nil
}

func (s *Service) workspacesForDevice(ctx context.Context, deviceID string) ([]WorkspaceRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.id, w.canonical_id, w.display_name, w.default_branch, w.first_seen_at, w.updated_at, wd.local_path
		FROM workspace_devices wd
		JOIN workspaces w ON w.id = wd.workspace_id
		WHERE wd.device_id = $1
		ORDER BY wd.last_active_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("aggregate: device workspaces: %w", err)
	}
	defer rows.Close()

	var out []WorkspaceRef
	for rows.Next() {
		var w WorkspaceRef
		if err := rows.Scan(&w.ID, &w.CanonicalID, &w.DisplayName, &w.DefaultBranch, &w.FirstSeenAt, &w.UpdatedAt, &w.LocalPath); err != nil {
			return nil, fmt.Errorf("aggregate: scan device workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Service) recentSessionsForDevice(ctx context.Context, deviceID string) ([]SessionWithDevice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.workspace_id, s.device_id, s.cc_session_id, s.lifecycle, s.parse_status,
		       s.cwd, s.git_branch, s.git_remote, s.model, s.started_at, s.ended_at, s.duration_ms,
		       s.transcript_s3_key, s.parse_error, s.summary,
		       s.total_messages, s.user_messages, s.assistant_messages, s.tokens_in, s.tokens_out,
		       s.cache_read_tokens, s.cache_write_tokens, s.tool_use_count, s.thinking_blocks,
		       s.subagent_count, s.cost_estimate_usd, s.initial_prompt,
		       d.name, d.type
		FROM sessions s
		JOIN devices d ON d.id = s.device_id
		WHERE s.device_id = $1
		ORDER BY s.started_at DESC
		LIMIT $2`, deviceID, recentSessionsLimit)
	if err != nil {
		return nil, fmt.Errorf("aggregate: recent device sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionWithDevice
	for rows.Next() {
		var sw SessionWithDevice
		if err := rows.Scan(
			&sw.ID, &sw.WorkspaceID, &sw.DeviceID, &sw.CCSessionID, &sw.Lifecycle, &sw.ParseStatus,
			&sw.CWD, &sw.GitBranch, &sw.GitRemote, &sw.Model, &sw.StartedAt, &sw.EndedAt, &sw.DurationMs,
			&sw.TranscriptS3Key, &sw.ParseError, &sw.Summary,
			&sw.TotalMessages, &sw.UserMessages, &sw.AssistantMessages, &sw.TokensIn, &sw.TokensOut,
			&sw.CacheReadTokens, &sw.CacheWriteTokens, &sw.ToolUseCount, &sw.ThinkingBlocks,
			&sw.SubagentCount, &sw.CostEstimateUSD, &sw.InitialPrompt,
			&sw.DeviceName, &sw.DeviceType,
		); err != nil {
			return nil, fmt.Errorf("aggregate: scan recent device session: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// ResolveDeviceID resolves a caller-supplied identifier to an internal
// device ID, matching ResolveWorkspaceID's three-tier rule: the exact tier
// matches the device name column only (devices have no canonical_id), and
// the prefix tier matches the device ID or name.
func (s *Service) ResolveDeviceID(ctx context.Context, identifier string) (string, error) {
	if isULID(identifier) {
		return identifier, nil
	}

	matches, err := s.matchDevices(ctx, `lower(name) = lower($1)`, identifier)
	if err != nil {
		return "", err
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("ambiguous device name %q: %w", identifier, apperrors.ErrAmbiguous)
	}

	prefix := strings.ToLower(identifier)
	matches, err = s.matchDevices(ctx, `id LIKE $1 || '%' OR lower(name) LIKE lower($1) || '%'`, prefix)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", apperrors.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", apperrors.ErrAmbiguous
	}
}

func (s *Service) matchDevices(ctx context.Context, predicate string, arg string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM devices WHERE %s ORDER BY id`, predicate), arg)
	if err != nil {
		return nil, fmt.Errorf("aggregate: resolve device: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("aggregate: scan device match: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
