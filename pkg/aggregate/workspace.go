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

// WorkspaceSummary is one row of the workspace list endpoint.
type WorkspaceSummary struct {
	models.Workspace
	SessionCount       int        `json:"session_count"`
	ActiveSessionCount int        `json:"active_session_count"`
	DeviceCount        int        `json:"device_count"`
	TotalCostUSD       float64    `json:"total_cost_usd"`
	TotalDurationMs    int64      `json:"total_duration_ms"`
	LastSessionAt      *time.Time `json:"last_session_at"`
}

// WorkspaceListResult is the workspace list endpoint's response shape.
type WorkspaceListResult struct {
	Workspaces []WorkspaceSummary `json:"workspaces"`
	NextCursor *string            `json:"next_cursor"`
	HasMore    bool               `json:"has_more"`
}

// ListWorkspaces returns a keyset-paginated, newest-active-first page of
// workspace summaries, per §4.10.
func (s *Service) ListWorkspaces(ctx context.Context, limit int, cursor *Cursor) (WorkspaceListResult, error) {
	var where string
	args := []any{}
	if cursor != nil {
		where = "WHERE (COALESCE(stats.last_session_at, 'epoch'::timestamptz), w.id) < ($1, $2)"
		args = append(args, cursor.U, cursor.I)
	}
	limitArg := len(args) + 1
	args = append(args, limit+1)

	query := fmt.Sprintf(`
		WITH stats AS (
			SELECT workspace_id,
			       count(*) AS session_count,
			       count(*) FILTER (WHERE lifecycle IN ('detected', 'capturing')) AS active_session_count,
			       coalesce(sum(cost_estimate_usd), 0) AS total_cost_usd,
			       coalesce(sum(duration_ms), 0) AS total_duration_ms,
			       max(started_at) AS last_session_at
			FROM sessions
			GROUP BY workspace_id
		), devices AS (
			SELECT workspace_id, count(DISTINCT device_id) AS device_count
			FROM workspace_devices
			GROUP BY workspace_id
		)
		SELECT w.id, w.canonical_id, w.display_name, w.default_branch, w.first_seen_at, w.updated_at,
		       coalesce(stats.session_count, 0), coalesce(stats.active_session_count, 0),
		       coalesce(devices.device_count, 0), coalesce(stats.total_cost_usd, 0),
		       coalesce(stats.total_duration_ms, 0), stats.last_session_at
		FROM workspaces w
		LEFT JOIN stats ON stats.workspace_id = w.id
		LEFT JOIN devices ON devices.workspace_id = w.id
		%s
		ORDER BY coalesce(stats.last_session_at, 'epoch'::timestamptz) DESC, w.id DESC
		LIMIT $%d`, where, limitArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return WorkspaceListResult{}, fmt.Errorf("aggregate: list workspaces: %w", err)
	}
	defer rows.Close()

	var summaries []WorkspaceSummary
	for rows.Next() {
		var w WorkspaceSummary
		if err := rows.Scan(
			&w.ID, &w.CanonicalID, &w.DisplayName, &w.DefaultBranch, &w.FirstSeenAt, &w.UpdatedAt,
			&w.SessionCount, &w.ActiveSessionCount, &w.DeviceCount, &w.TotalCostUSD,
			&w.TotalDurationMs, &w.LastSessionAt,
		); err != nil {
			return WorkspaceListResult{}, fmt.Errorf("aggregate: scan workspace summary: %w", err)
		}
		summaries = append(summaries, w)
	}
	if err := rows.Err(); err != nil {
		return WorkspaceListResult{}, fmt.Errorf("aggregate: iterate workspace summaries: %w", err)
	}

	hasMore := len(summaries) > limit
	if hasMore {
		summaries = summaries[:limit]
	}

	var next *string
	if hasMore && len(summaries) > 0 {
		last := summaries[len(summaries)-1]
		u := time.Unix(0, 0).UTC()
		if last.LastSessionAt != nil {
			u = *last.LastSessionAt
		}
		encoded := EncodeCursor(Cursor{U: u, I: last.ID})
		next = &encoded
	}

	return WorkspaceListResult{Workspaces: summaries, NextCursor: next, HasMore: hasMore}, nil
}

// SessionWithDevice is a session row enriched with its device's name and
// type, as carried in the workspace detail response's recent_sessions[].
type SessionWithDevice struct {
	models.Session
	DeviceName string            `json:"device_name"`
	DeviceType models.DeviceType `json:"device_type"`
}

// DeviceLink is a device enriched with its workspace link bookkeeping, as
// carried in the workspace detail response's devices[].
type DeviceLink struct {
	models.Device
	LocalPath         string `json:"local_path"`
	GitHooksInstalled bool   `json:"git_hooks_installed"`
}

// GitSummary is the flat git-activity rollup in the workspace detail
// response.
type GitSummary struct {
	TotalCommits    int        `json:"total_commits"`
	TotalPushes     int        `json:"total_pushes"`
	ActiveBranches  []string   `json:"active_branches"`
	LastCommitAt    *time.Time `json:"last_commit_at"`
}

// WorkspaceStats is the aggregate stats block in the workspace detail
// response.
type WorkspaceStats struct {
	SessionCount       int     `json:"session_count"`
	ActiveSessionCount int     `json:"active_session_count"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
	TotalDurationMs    int64   `json:"total_duration_ms"`
}

// WorkspaceDetail is the response shape of GET /api/workspaces/:id.
type WorkspaceDetail struct {
	Workspace      models.Workspace    `json:"workspace"`
	RecentSessions []SessionWithDevice `json:"recent_sessions"`
	Devices        []DeviceLink        `json:"devices"`
	GitSummary     GitSummary          `json:"git_summary"`
	Stats          WorkspaceStats      `json:"stats"`
}

const recentSessionsLimit = 20

// GetWorkspaceDetail resolves identifier (ULID, display_name, or
// canonical_id) and bundles the workspace row with its recent sessions,
// linked devices, git summary, and aggregate stats.
func (s *Service) GetWorkspaceDetail(ctx context.Context, identifier string) (WorkspaceDetail, error) {
	id, err := s.ResolveWorkspaceID(ctx, identifier)
	if err != nil {
		return WorkspaceDetail{}, err
	}

	var detail WorkspaceDetail
	row := s.pool.QueryRow(ctx, `
		SELECT id, canonical_id, display_name, default_branch, first_seen_at, updated_at
		FROM workspaces WHERE id = $1`, id)
	if err := row.Scan(
		&detail.Workspace.ID, &detail.Workspace.CanonicalID, &detail.Workspace.DisplayName,
		&detail.Workspace.DefaultBranch, &detail.Workspace.FirstSeenAt, &detail.Workspace.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkspaceDetail{}, apperrors.ErrNotFound
		}
		return WorkspaceDetail{}, fmt.Errorf("aggregate: load workspace: %w", err)
	}

	sessions, err := s.recentSessionsForWorkspace(ctx, id)
	if err != nil {
		return WorkspaceDetail{}, err
	}
	detail.RecentSessions = sessions

	devices, err := s.devicesForWorkspace(ctx, id)
	if err != nil {
		return WorkspaceDetail{}, err
	}
	detail.Devices = devices

	gitSummary, err := s.gitSummaryForWorkspace(ctx, id)
	if err != nil {
		return WorkspaceDetail{}, err
	}
	detail.GitSummary = gitSummary

	stats, err := s.workspaceStats(ctx, id)
	if err != nil {
		return WorkspaceDetail{}, err
	}
	detail.Stats = stats

	return detail, nil
}

func (s *Service) recentSessionsForWorkspace(ctx context.Context, workspaceID string) ([]SessionWithDevice, error) {
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
		WHERE s.workspace_id = $1
		ORDER BY s.started_at DESC
		LIMIT $2`, workspaceID, recentSessionsLimit)
	if err != nil {
		return nil, fmt.Errorf("aggregate: recent sessions: %w", err)
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
			return nil, fmt.Errorf("aggregate: scan recent session: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func (s *Service) devicesForWorkspace(ctx context.Context, workspaceID string) ([]DeviceLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.name, d.type, d.hostname, d.os, d.arch, d.first_seen_at, d.last_seen_at,
		       wd.local_path, wd.git_hooks_installed
		FROM workspace_devices wd
		JOIN devices d ON d.id = wd.device_id
		WHERE wd.workspace_id = $1
		ORDER BY wd.last_active_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("aggregate: workspace devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceLink
	for rows.Next() {
		var dl DeviceLink
		if err := rows.Scan(
			&dl.ID, &dl.Name, &dl.Type, &dl.Hostname, &dl.OS, &dl.Arch, &dl.FirstSeenAt, &dl.LastSeenAt,
			&dl.LocalPath, &dl.GitHooksInstalled,
		); err != nil {
			return nil, fmt.Errorf("aggregate: scan workspace device: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Service) gitSummaryForWorkspace(ctx context.Context, workspaceID string) (GitSummary, error) {
	var summary GitSummary
	row := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE type = 'git.commit'),
			count(*) FILTER (WHERE type = 'git.push'),
			max(timestamp) FILTER (WHERE type = 'git.commit')
		FROM git_activity WHERE workspace_id = $1`, workspaceID)
	if err := row.Scan(&summary.TotalCommits, &summary.TotalPushes, &summary.LastCommitAt); err != nil {
		return GitSummary{}, fmt.Errorf("aggregate: git summary: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT branch FROM git_activity
		WHERE workspace_id = $1 AND branch <> '' AND timestamp > now() - interval '30 days'
		ORDER BY branch`, workspaceID)
	if err != nil {
		return GitSummary{}, fmt.Errorf("aggregate: active branches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var branch string
		if err := rows.Scan(&branch); err != nil {
			return GitSummary{}, fmt.Errorf("aggregate: scan active branch: %w", err)
		}
		summary.ActiveBranches = append(summary.ActiveBranches, branch)
	}
	return summary, rows.Err()
}

func (s *Service) workspaceStats(ctx context.Context, workspaceID string) (WorkspaceStats, error) {
	var stats WorkspaceStats
	row := s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE lifecycle IN ('detected', 'capturing')),
		       coalesce(sum(cost_estimate_usd), 0), coalesce(sum(duration_ms), 0)
		FROM sessions WHERE workspace_id = $1`, workspaceID)
	if err := row.Scan(&stats.SessionCount, &stats.ActiveSessionCount, &stats.TotalCostUSD, &stats.TotalDurationMs); err != nil {
		return WorkspaceStats{}, fmt.Errorf("aggregate: workspace stats: %w", err)
	}
	return stats, nil
}

// WorkspaceMatch is one candidate in an ambiguous name-resolution result.
type WorkspaceMatch struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CanonicalID string `json:"canonical_id"`
}

// AmbiguousWorkspaceError reports that a name resolved to more than one
// workspace. Wraps apperrors.ErrAmbiguous so callers can test with errors.Is.
type AmbiguousWorkspaceError struct {
	Query   string
	Matches []WorkspaceMatch
}

func (e *AmbiguousWorkspaceError) Error() string {
	return fmt.Sprintf("ambiguous workspace name %q (%d matches)", e.Query, len(e.Matches))
}

func (e *AmbiguousWorkspaceError) Unwrap() error { return apperrors.ErrAmbiguous }

// ResolveWorkspaceID resolves a caller-supplied identifier to an internal
// workspace ID: a ULID is returned verbatim, otherwise resolution falls
// through exact case-insensitive name/canonical_id match, then unique
// prefix match, per §4.10.
func (s *Service) ResolveWorkspaceID(ctx context.Context, identifier string) (string, error) {
	if isULID(identifier) {
		return identifier, nil
	}

	matches, err := s.matchWorkspaces(ctx, `lower(display_name) = lower($1) OR lower(canonical_id) = lower($1)`, identifier)
	if err != nil {
		return "", err
	}
	if len(matches) == 1 {
		return matches[0].ID, nil
	}
	if len(matches) > 1 {
		return "", &AmbiguousWorkspaceError{Query: identifier, Matches: matches}
	}

	prefix := strings.ToLower(identifier)
	matches, err = s.matchWorkspaces(ctx, `id LIKE $1 || '%' OR lower(display_name) LIKE lower($1) || '%'`, prefix)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", apperrors.ErrNotFound
	case 1:
		return matches[0].ID, nil
	default:
		return "", &AmbiguousWorkspaceError{Query: identifier, Matches: matches}
	}
}

func (s *Service) matchWorkspaces(ctx context.Context, predicate string, arg string) ([]WorkspaceMatch, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, display_name, canonical_id FROM workspaces WHERE %s ORDER BY id`, predicate), arg)
	if err != nil {
		return nil, fmt.Errorf("aggregate: resolve workspace: %w", err)
	}
	defer rows.Close()

	var matches []WorkspaceMatch
	for rows.Next() {
		var m WorkspaceMatch
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.CanonicalID); err != nil {
			return nil, fmt.Errorf("aggregate: scan workspace match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
