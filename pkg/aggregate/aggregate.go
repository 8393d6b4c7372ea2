// Package aggregate implements the read-only query/aggregation layer: paged
// workspace and device summaries, workspace/device detail bundles, caller
// identifier resolution, and the session reparse workflow.
package aggregate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/lifecycle"
)

// PipelineEnqueuer schedules a session for a pipeline run. Declared locally
// (rather than imported from pkg/pipeline) so this package never depends on
// the pipeline package, mirroring pkg/events.PipelineEnqueuer.
type PipelineEnqueuer interface {
	Enqueue(sessionID string)
}

// Service backs the query/aggregation endpoints.
type Service struct {
	pool      *pgxpool.Pool
	lifecycle *lifecycle.Machine
	pipeline  PipelineEnqueuer
	logger    *slog.Logger
}

// NewService builds an aggregate Service.
func NewService(pool *pgxpool.Pool, machine *lifecycle.Machine, pipeline PipelineEnqueuer) *Service {
	return &Service{
		pool:      pool,
		lifecycle: machine,
		pipeline:  pipeline,
		logger:    slog.With("component", "aggregate"),
	}
}

// Cursor is the keyset pagination position of the workspace list endpoint:
// the last row's ordering timestamp (last_session_at, coalesced to the Unix
// epoch when the row has no sessions yet) and ID.
type Cursor struct {
	U time.Time `json:"u"`
	I string    `json:"i"`
}

// EncodeCursor renders a Cursor as the wire-format opaque string.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeCursor parses the wire-format opaque string back into a Cursor. The
// caller should surface an error as 400 "Invalid cursor".
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("aggregate: invalid cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("aggregate: invalid cursor payload: %w", err)
	}
	return c, nil
}
