package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/devstream-project/devstream/pkg/models"
)

// Correlator resolves a git-activity event to the session it most likely
// belongs to. Evaluated at handler execution time only: there is no
// retroactive linking of orphans once a session later starts, and an ended
// session no longer correlates new events.
type Correlator struct{}

// NewCorrelator returns a Correlator. It is stateless; a value type would do
// just as well, but a constructor keeps call sites consistent with the rest
// of the package.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// FindSession returns the most recent session for (workspaceID, deviceID)
// whose lifecycle is still {detected, capturing} and which started at or
// before timestamp. Returns ("", nil) if no session correlates.
func (c *Correlator) FindSession(ctx context.Context, tx pgx.Tx, workspaceID, deviceID string, timestamp time.Time) (string, error) {
	const q = `
		SELECT id FROM sessions
		WHERE workspace_id = $1 AND device_id = $2
		  AND lifecycle IN ($3, $4)
		  AND started_at <= $5
		ORDER BY started_at DESC
		LIMIT 1`

	var sessionID string
	err := tx.QueryRow(ctx, q, workspaceID, deviceID, models.LifecycleDetected, models.LifecycleCapturing, timestamp).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("events: correlate session: %w", err)
	}
	return sessionID, nil
}
