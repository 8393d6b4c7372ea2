// Package lifecycle guards session state transitions with a fixed
// transition map and compare-and-swap database updates.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/models"
)

// transitions is the exhaustive map of allowed lifecycle moves. Anything not
// listed here is invalid.
var transitions = map[models.Lifecycle][]models.Lifecycle{
	models.LifecycleDetected:   {models.LifecycleCapturing, models.LifecycleEnded, models.LifecycleFailed},
	models.LifecycleCapturing:  {models.LifecycleEnded, models.LifecycleFailed},
	models.LifecycleEnded:      {models.LifecycleParsed, models.LifecycleFailed},
	models.LifecycleParsed:     {models.LifecycleSummarized, models.LifecycleFailed},
	models.LifecycleSummarized: {models.LifecycleArchived},
	models.LifecycleArchived:   {},
	models.LifecycleFailed:     {},
}

// IsValidTransition reports whether moving from `from` to `to` is permitted
// by the transition map.
func IsValidTransition(from, to models.Lifecycle) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Machine applies and validates session lifecycle transitions.
type Machine struct {
	pool *pgxpool.Pool
}

// NewMachine creates a lifecycle Machine backed by the given pool.
func NewMachine(pool *pgxpool.Pool) *Machine {
	return &Machine{pool: pool}
}

// TransitionResult reports the outcome of a compare-and-swap transition.
type TransitionResult struct {
	Success      bool
	NewLifecycle models.Lifecycle
	Reason       string
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx, letting the CAS
// update run either standalone or inside a caller-managed transaction.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TransitionSession moves a session from one of `from` to `to`, applying any
// extraColumns in the same UPDATE. Rejected up front if `to` is not
// reachable from every listed source state — callers pass the specific
// source states they expect to find, not the full state space.
func (m *Machine) TransitionSession(ctx context.Context, id string, from []models.Lifecycle, to models.Lifecycle, extraColumns map[string]any) (TransitionResult, error) {
	return transitionSession(ctx, m.pool, id, from, to, extraColumns)
}

// TransitionSessionTx is TransitionSession run against a caller-managed
// transaction, for handlers that must apply the lifecycle move atomically
// with their own row mutations.
func (m *Machine) TransitionSessionTx(ctx context.Context, tx pgx.Tx, id string, from []models.Lifecycle, to models.Lifecycle, extraColumns map[string]any) (TransitionResult, error) {
	return transitionSession(ctx, tx, id, from, to, extraColumns)
}

func transitionSession(ctx context.Context, q queryRower, id string, from []models.Lifecycle, to models.Lifecycle, extraColumns map[string]any) (TransitionResult, error) {
	for _, f := range from {
		if !IsValidTransition(f, to) {
			return TransitionResult{}, fmt.Errorf("lifecycle: %s -> %s is not a valid transition", f, to)
		}
	}

	setClauses := []string{"lifecycle = $1", "updated_at = $2"}
	args := []any{to, time.Now().UTC()}
	argN := 3
	for col, val := range extraColumns {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argN))
		args = append(args, val)
		argN++
	}

	fromPlaceholders := make([]string, len(from))
	for i, f := range from {
		fromPlaceholders[i] = fmt.Sprintf("$%d", argN+i)
		args = append(args, f)
	}
	args = append(args, id)
	idArg := argN + len(from)

	query := fmt.Sprintf(
		"UPDATE sessions SET %s WHERE id = $%d AND lifecycle IN (%s) RETURNING lifecycle",
		strings.Join(setClauses, ", "), idArg, strings.Join(fromPlaceholders, ", "),
	)

	var newLifecycle models.Lifecycle
	err := q.QueryRow(ctx, query, args...).Scan(&newLifecycle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransitionResult{Success: false, Reason: "session not found or not in an eligible source state"}, nil
		}
		return TransitionResult{}, fmt.Errorf("lifecycle: transition session %s: %w", id, err)
	}
	return TransitionResult{Success: true, NewLifecycle: newLifecycle}, nil
}

// validFailSources are the lifecycle states from which `failed` is a valid
// transition target, per the transition map.
var validFailSources = []models.Lifecycle{
	models.LifecycleDetected, models.LifecycleCapturing, models.LifecycleEnded, models.LifecycleParsed,
}

// FailSession transitions a session from any non-terminal state that can
// reach `failed` to failed, setting parse_status = 'failed' and
// parse_error = reason.
func (m *Machine) FailSession(ctx context.Context, id string, reason string) (TransitionResult, error) {
	return m.TransitionSession(ctx, id, validFailSources, models.LifecycleFailed, map[string]any{
		"parse_status": models.ParseStatusFailed,
		"parse_error":  reason,
	})
}

// ResetResult reports the outcome of ResetSessionForReparse.
type ResetResult struct {
	Reset             bool
	PreviousLifecycle models.Lifecycle
}

// ResetSessionForReparse resets a session back to ended/pending so the
// pipeline orchestrator can re-run it. Permitted only when the session's
// current lifecycle is one of {parsed, summarized, failed}. Clears all
// derived stat columns, summary, and parse_error; preserves transcript_s3_key.
func (m *Machine) ResetSessionForReparse(ctx context.Context, id string) (ResetResult, error) {
	const q = `
		WITH eligible AS (
			SELECT lifecycle FROM sessions WHERE id = $4 AND lifecycle IN ($5, $6, $7)
		)
		UPDATE sessions SET
			lifecycle = $1, parse_status = $2,
			total_messages = NULL, user_messages = NULL, assistant_messages = NULL,
			tokens_in = NULL, tokens_out = NULL, cache_read_tokens = NULL, cache_write_tokens = NULL,
			tool_use_count = NULL, thinking_blocks = NULL, subagent_count = NULL,
			cost_estimate_usd = NULL, initial_prompt = NULL, summary = NULL, parse_error = NULL,
			updated_at = $3
		WHERE id = $4 AND lifecycle IN (SELECT lifecycle FROM eligible)
		RETURNING (SELECT lifecycle FROM eligible)`

	var previous models.Lifecycle
	err := m.pool.QueryRow(ctx, q,
		models.LifecycleEnded, models.ParseStatusPending, time.Now().UTC(), id,
		models.LifecycleParsed, models.LifecycleSummarized, models.LifecycleFailed,
	).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResetResult{}, nil
		}
		return ResetResult{}, fmt.Errorf("lifecycle: reset session %s: %w", id, err)
	}
	return ResetResult{Reset: true, PreviousLifecycle: previous}, nil
}

// FindStuckSessions returns sessions whose lifecycle is {ended, parsed},
// whose parse_status is {pending, parsing}, and which have not been updated
// in longer than threshold — candidates for the recovery loop.
func (m *Machine) FindStuckSessions(ctx context.Context, threshold time.Duration) ([]models.Session, error) {
	const q = `
		SELECT id, workspace_id, device_id, cc_session_id, lifecycle, parse_status,
		       cwd, git_branch, git_remote, model, started_at, ended_at,
		       duration_ms, transcript_s3_key, parse_error, summary
		FROM sessions
		WHERE lifecycle IN ($1, $2)
		  AND parse_status IN ($3, $4)
		  AND now() - updated_at > $5
		ORDER BY updated_at ASC`

	rows, err := m.pool.Query(ctx, q,
		models.LifecycleEnded, models.LifecycleParsed,
		models.ParseStatusPending, models.ParseStatusParsing,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: find stuck sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(
			&s.ID, &s.WorkspaceID, &s.DeviceID, &s.CCSessionID, &s.Lifecycle, &s.ParseStatus,
			&s.CWD, &s.GitBranch, &s.GitRemote, &s.Model, &s.StartedAt, &s.EndedAt,
			&s.DurationMs, &s.TranscriptS3Key, &s.ParseError, &s.Summary,
		); err != nil {
			return nil, fmt.Errorf("lifecycle: scan stuck session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lifecycle: iterate stuck sessions: %w", err)
	}
	return out, nil
}
