package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/devstream-project/devstream/pkg/errors"
	"github.com/devstream-project/devstream/pkg/models"
)

// Sentinel errors for the session reparse endpoint's three precondition
// failures, each surfaced by the API layer as 409 with this exact message.
var (
	ErrSessionNotEnded   = errors.New("Session has not ended yet.")
	ErrNoTranscript      = errors.New("No transcript available. Cannot reparse.")
	ErrSessionProcessing = errors.New("Session is currently being processed. Try again later.")
)

// ResolveSessionID resolves a caller-supplied identifier to an internal
// session ID: a ULID is returned verbatim (sessions are keyed by the
// caller-supplied cc_session_id, so this only short-circuits for IDs that
// already look like a stable internal identifier), otherwise resolution
// falls through exact match then unique prefix match against the session
// ID column, per the resolution rule generalized in §4.10.
func (s *Service) ResolveSessionID(ctx context.Context, identifier string) (string, error) {
	if isULID(identifier) {
		return identifier, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT true FROM sessions WHERE id = $1`, identifier).Scan(&exists); err == nil {
		return identifier, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("aggregate: resolve session: %w", err)
	}

	prefix := strings.ToLower(identifier)
	rows, err := s.pool.Query(ctx, `SELECT id FROM sessions WHERE lower(id) LIKE lower($1) || '%' ORDER BY id`, prefix)
	if err != nil {
		return "", fmt.Errorf("aggregate: resolve session prefix: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("aggregate: scan session match: %w", err)
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", apperrors.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous session identifier %q: %w", identifier, apperrors.ErrAmbiguous)
	}
}

// ReparseSession enforces the three preconditions of §4.10, resets the
// session for re-parsing, and enqueues it for a fresh pipeline run.
// Returns the session's new lifecycle (always "ended") on success.
func (s *Service) ReparseSession(ctx context.Context, id string) (models.Lifecycle, error) {
	var lc models.Lifecycle
	var parseStatus models.ParseStatus
	var transcriptKey *string

	err := s.pool.QueryRow(ctx, `
		SELECT lifecycle, parse_status, transcript_s3_key FROM sessions WHERE id = $1`, id,
	).Scan(&lc, &parseStatus, &transcriptKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("aggregate: load session for reparse: %w", err)
	}

	if lc == models.LifecycleDetected || lc == models.LifecycleCapturing {
		return "", ErrSessionNotEnded
	}
	if transcriptKey == nil {
		return "", ErrNoTranscript
	}
	if parseStatus == models.ParseStatusParsing {
		return "", ErrSessionProcessing
	}

	result, err := s.lifecycle.ResetSessionForReparse(ctx, id)
	if err != nil {
		return "", fmt.Errorf("aggregate: reset session for reparse: %w", err)
	}
	if !result.Reset {
		// The reset only accepts parsed, summarized or failed sessions. This
		// covers an ended session still waiting for its pipeline run, an
		// archived session, and a session moved by a concurrent transition
		// after the precondition check above.
		return "", ErrSessionProcessing
	}

	if s.pipeline != nil {
		s.pipeline.Enqueue(id)
	}
	s.logger.Info("session reset for reparse", "session_id", id, "previous_lifecycle", result.PreviousLifecycle)
	return models.LifecycleEnded, nil
}
