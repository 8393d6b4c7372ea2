// Package timeline merges session items and orphan git-activity groups into
// a single time-ordered, keyset-paginated sequence.
package timeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/models"
)

// DefaultLimit and MaxLimit bound the page size, per §4.9/§6.
const (
	DefaultLimit = 50
	MaxLimit     = 250
)

// Cursor is the keyset position: the last item's started_at and ID from the
// previous page. Encoded as base64 JSON on the wire.
type Cursor struct {
	U time.Time `json:"u"`
	I string    `json:"i"`
}

// EncodeCursor renders a Cursor as the wire-format opaque string.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeCursor parses the wire-format opaque string back into a Cursor.
// Returns an error the caller should surface as 400 "Invalid cursor".
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("timeline: invalid cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("timeline: invalid cursor payload: %w", err)
	}
	return c, nil
}

// Params are the timeline query's filters, validated by the caller (the API
// layer) before being passed in — Limit is expected to already be in
// [1, MaxLimit].
type Params struct {
	WorkspaceID string
	DeviceID    string
	After       *time.Time
	Before      *time.Time
	Types       []string
	Limit       int
	Cursor      *Cursor
}

// Item is one entry of the merged timeline: either a session or an orphan
// git-activity group, discriminated by Type.
type Item struct {
	Type          string              `json:"type"`
	StartedAt     time.Time           `json:"started_at"`
	Session       *models.Session     `json:"session,omitempty"`
	WorkspaceID   string              `json:"workspace_id,omitempty"`
	WorkspaceName string              `json:"workspace_name,omitempty"`
	DeviceID      string              `json:"device_id,omitempty"`
	DeviceName    string              `json:"device_name,omitempty"`
	GitActivity   []models.GitActivity `json:"git_activity"`
}

const (
	ItemTypeSession     = "session"
	ItemTypeGitActivity = "git_activity"
)

// Result is the timeline endpoint's response shape.
type Result struct {
	Items      []Item  `json:"items"`
	NextCursor *string `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

// Assembler builds timeline pages over the relational database.
type Assembler struct {
	pool *pgxpool.Pool
}

// NewAssembler builds an Assembler backed by the given pool.
func NewAssembler(pool *pgxpool.Pool) *Assembler {
	return &Assembler{pool: pool}
}

// Assemble runs the five-step assembly described in §4.9: page the
// sessions, fetch their correlated git activity, fetch orphan activity in
// the same window, then merge both into one descending-time sequence.
func (a *Assembler) Assemble(ctx context.Context, p Params) (Result, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	sessions, hasMore, err := a.fetchSessions(ctx, p, limit)
	if err != nil {
		return Result{}, err
	}

	var nextCursor *string
	if hasMore && len(sessions) > 0 {
		last := sessions[len(sessions)-1]
		encoded := EncodeCursor(Cursor{U: last.StartedAt, I: last.ID})
		nextCursor = &encoded
	}

	sessionIDs := make([]string, len(sessions))
	for i, s := range sessions {
		sessionIDs[i] = s.ID
	}
	activityBySession, err := a.fetchSessionGitActivity(ctx, sessionIDs, p.Types)
	if err != nil {
		return Result{}, err
	}

	windowStart, windowEnd := sessionWindow(sessions, p)
	orphanGroups, err := a.fetchOrphanGroups(ctx, p, windowStart, windowEnd)
	if err != nil {
		return Result{}, err
	}

	items := make([]Item, 0, len(sessions)+len(orphanGroups))
	for _, s := range sessions {
		sCopy := s
		items = append(items, Item{
			Type:        ItemTypeSession,
			StartedAt:   s.StartedAt,
			Session:     &sCopy,
			GitActivity: activityBySession[s.ID],
		})
	}
	items = append(items, orphanGroups...)

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StartedAt.After(items[j].StartedAt)
	})

	return Result{Items: items, NextCursor: nextCursor, HasMore: hasMore}, nil
}

// sessionWindow derives the orphan-activity window from the returned page
// of sessions: it starts at the oldest returned session's started_at and
// runs up to the caller's before filter (the page's cursor, when present,
// is applied separately in fetchOrphanGroups). It falls back to the
// caller's after/before filters when no sessions were returned (e.g. an
// all-orphan workspace).
func sessionWindow(sessions []models.Session, p Params) (start, end *time.Time) {
	if len(sessions) == 0 {
		return p.After, p.Before
	}
	earliest := sessions[len(sessions)-1].StartedAt
	if p.After != nil && p.After.After(earliest) {
		earliest = *p.After
	}
	return &earliest, p.Before
}

func (a *Assembler) fetchSessions(ctx context.Context, p Params, limit int) ([]models.Session, bool, error) {
	var where []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.WorkspaceID != "" {
		where = append(where, "workspace_id = "+arg(p.WorkspaceID))
	}
	if p.DeviceID != "" {
		where = append(where, "device_id = "+arg(p.DeviceID))
	}
	if p.After != nil {
		where = append(where, "started_at >= "+arg(*p.After))
	}
	if p.Before != nil {
		where = append(where, "started_at <= "+arg(*p.Before))
	}
	if p.Cursor != nil {
		uArg := arg(p.Cursor.U)
		iArg := arg(p.Cursor.I)
		where = append(where, fmt.Sprintf("(started_at, id) < (%s, %s)", uArg, iArg))
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

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("timeline: fetch sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(
			&s.ID, &s.WorkspaceID, &s.DeviceID, &s.CCSessionID, &s.Lifecycle, &s.ParseStatus,
			&s.CWD, &s.GitBranch, &s.GitRemote, &s.Model, &s.StartedAt, &s.EndedAt, &s.DurationMs,
			&s.TranscriptS3Key, &s.ParseError, &s.Summary,
			&s.TotalMessages, &s.UserMessages, &s.AssistantMessages, &s.TokensIn, &s.TokensOut,
			&s.CacheReadTokens, &s.CacheWriteTokens, &s.ToolUseCount, &s.ThinkingBlocks,
			&s.SubagentCount, &s.CostEstimateUSD, &s.InitialPrompt,
		); err != nil {
			return nil, false, fmt.Errorf("timeline: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("timeline: iterate sessions: %w", err)
	}

	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}
	return sessions, hasMore, nil
}

func (a *Assembler) fetchSessionGitActivity(ctx context.Context, sessionIDs []string, types []string) (map[string][]models.GitActivity, error) {
	result := make(map[string][]models.GitActivity)
	if len(sessionIDs) == 0 {
		return result, nil
	}

	args := []any{sessionIDs}
	query := `
		SELECT id, workspace_id, device_id, session_id, type, branch, commit_sha, message,
		       files_changed, insertions, deletions, timestamp, data
		FROM git_activity
		WHERE session_id = ANY($1)`
	if len(types) > 0 {
		args = append(args, types)
		query += " AND type = ANY($2)"
	}
	query += " ORDER BY timestamp DESC"

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline: fetch session git activity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ga, err := scanGitActivity(rows)
		if err != nil {
			return nil, err
		}
		if ga.SessionID != nil {
			result[*ga.SessionID] = append(result[*ga.SessionID], ga)
		}
	}
	return result, rows.Err()
}

// fetchOrphanGroups selects orphan git_activity (session_id IS NULL) in the
// given window and groups consecutive rows sharing (workspace_id,
// device_id) into a single timeline item, per §4.9 step 4.
func (a *Assembler) fetchOrphanGroups(ctx context.Context, p Params, windowStart, windowEnd *time.Time) ([]Item, error) {
	var where = []string{"session_id IS NULL"}
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.WorkspaceID != "" {
		where = append(where, "workspace_id = "+arg(p.WorkspaceID))
	}
	if p.DeviceID != "" {
		where = append(where, "device_id = "+arg(p.DeviceID))
	}
	if windowStart != nil {
		where = append(where, "timestamp >= "+arg(*windowStart))
	}
	if windowEnd != nil {
		where = append(where, "timestamp <= "+arg(*windowEnd))
	}
	if p.Cursor != nil {
		where = append(where, "timestamp < "+arg(p.Cursor.U))
	}
	if len(p.Types) > 0 {
		where = append(where, "type = ANY("+arg(p.Types)+")")
	}

	query := fmt.Sprintf(`
		SELECT ga.id, ga.workspace_id, ga.device_id, ga.session_id, ga.type, ga.branch,
		       ga.commit_sha, ga.message, ga.files_changed, ga.insertions, ga.deletions,
		       ga.timestamp, ga.data, w.display_name, d.name
		FROM git_activity ga
		JOIN workspaces w ON w.id = ga.workspace_id
		JOIN devices d ON d.id = ga.device_id
		WHERE %s
		ORDER BY ga.timestamp DESC`, strings.Join(where, " AND "))

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline: fetch orphan git activity: %w", err)
	}
	defer rows.Close()

	type orphanRow struct {
		activity      models.GitActivity
		workspaceName string
		deviceName    string
	}
	var orphans []orphanRow
	for rows.Next() {
		var r orphanRow
		ga := &r.activity
		if err := rows.Scan(
			&ga.ID, &ga.WorkspaceID, &ga.DeviceID, &ga.SessionID, &ga.Type, &ga.Branch,
			&ga.CommitSHA, &ga.Message, &ga.FilesChanged, &ga.Insertions, &ga.Deletions,
			&ga.Timestamp, &ga.Data, &r.workspaceName, &r.deviceName,
		); err != nil {
			return nil, fmt.Errorf("timeline: scan orphan git activity: %w", err)
		}
		orphans = append(orphans, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate orphan git activity: %w", err)
	}

	var groups []Item
	for _, r := range orphans {
		if n := len(groups); n > 0 {
			last := &groups[n-1]
			if last.WorkspaceID == r.activity.WorkspaceID && last.DeviceID == r.activity.DeviceID {
				last.GitActivity = append(last.GitActivity, r.activity)
				if r.activity.Timestamp.Before(last.StartedAt) {
					last.StartedAt = r.activity.Timestamp
				}
				continue
			}
		}
		groups = append(groups, Item{
			Type:          ItemTypeGitActivity,
			StartedAt:     r.activity.Timestamp,
			WorkspaceID:   r.activity.WorkspaceID,
			WorkspaceName: r.workspaceName,
			DeviceID:      r.activity.DeviceID,
			DeviceName:    r.deviceName,
			GitActivity:   []models.GitActivity{r.activity},
		})
	}
	return groups, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGitActivity(row rowScanner) (models.GitActivity, error) {
	var ga models.GitActivity
	err := row.Scan(
		&ga.ID, &ga.WorkspaceID, &ga.DeviceID, &ga.SessionID, &ga.Type, &ga.Branch,
		&ga.CommitSHA, &ga.Message, &ga.FilesChanged, &ga.Insertions, &ga.Deletions,
		&ga.Timestamp, &ga.Data,
	)
	if err != nil {
		return models.GitActivity{}, fmt.Errorf("timeline: scan git activity: %w", err)
	}
	return ga, nil
}
