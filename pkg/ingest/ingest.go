// Package ingest implements the synchronous half of event ingestion:
// schema validation, dedupe against the events table, and appending newly
// accepted events to the durable stream.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/stream"
)

// MaxBatchSize caps the number of events accepted in a single ingest call.
const MaxBatchSize = 500

// knownEventTypes is the registered schema: every type the batch validator
// accepts.
var knownEventTypes = map[models.EventType]bool{
	models.EventTypeSessionStart: true,
	models.EventTypeSessionEnd:   true,
	models.EventTypeGitCommit:    true,
	models.EventTypeGitPush:      true,
	models.EventTypeGitCheckout:  true,
	models.EventTypeGitMerge:     true,
}

// FieldError is a per-event schema diagnostic.
type FieldError struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects the whole batch; it carries every offending
// event's diagnostic so the caller can report them all at once.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fmt.Sprintf("event[%d].%s: %s", fe.Index, fe.Field, fe.Message)
	}
	return "ingest: invalid batch: " + strings.Join(msgs, "; ")
}

// Result reports how many events were newly accepted vs already seen.
type Result struct {
	Ingested   int
	Duplicates int
}

// Ingestor validates, dedupes, and appends event batches.
type Ingestor struct {
	pool   *pgxpool.Pool
	stream *stream.Client
}

// NewIngestor builds an Ingestor backed by the given database pool and
// stream client.
func NewIngestor(pool *pgxpool.Pool, s *stream.Client) *Ingestor {
	return &Ingestor{pool: pool, stream: s}
}

// Ingest validates the batch, pre-inserts events into the events table
// (ON CONFLICT DO NOTHING), and appends the newly accepted ones to the
// stream in their original order.
func (in *Ingestor) Ingest(ctx context.Context, batch []models.IngestEvent) (Result, error) {
	if err := validateBatch(batch); err != nil {
		return Result{}, err
	}

	accepted, err := in.dedupeInsert(ctx, batch)
	if err != nil {
		return Result{}, err
	}

	for _, e := range accepted {
		event := models.Event{
			ID:          e.ID,
			Type:        e.Type,
			Timestamp:   e.Timestamp,
			DeviceID:    e.DeviceID,
			WorkspaceID: e.WorkspaceID,
			Data:        e.Data,
			IngestedAt:  time.Now().UTC(),
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return Result{}, fmt.Errorf("ingest: marshal event %s: %w", e.ID, err)
		}
		if _, err := in.stream.Append(ctx, payload); err != nil {
			return Result{}, fmt.Errorf("ingest: append event %s to stream: %w", e.ID, err)
		}
	}

	return Result{Ingested: len(accepted), Duplicates: len(batch) - len(accepted)}, nil
}

func validateBatch(batch []models.IngestEvent) error {
	var errs []FieldError
	for i, e := range batch {
		if e.ID == "" {
			errs = append(errs, FieldError{Index: i, Field: "id", Message: "is required"})
		}
		if e.Type == "" {
			errs = append(errs, FieldError{Index: i, Field: "type", Message: "is required"})
		} else if !knownEventTypes[e.Type] {
			errs = append(errs, FieldError{Index: i, Field: "type", Message: fmt.Sprintf("unknown event type %q", e.Type)})
		}
		if e.Timestamp.IsZero() {
			errs = append(errs, FieldError{Index: i, Field: "timestamp", Message: "is required"})
		}
		if e.DeviceID == "" {
			errs = append(errs, FieldError{Index: i, Field: "device_id", Message: "is required"})
		}
		if e.WorkspaceID == "" {
			errs = append(errs, FieldError{Index: i, Field: "workspace_id", Message: "is required"})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// dedupeInsert pre-inserts the batch into the events table and returns only
// the events that were newly accepted, preserving their original order.
func (in *Ingestor) dedupeInsert(ctx context.Context, batch []models.IngestEvent) ([]models.IngestEvent, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	valuePlaceholders := make([]string, len(batch))
	args := make([]any, 0, len(batch)*6)
	for i, e := range batch {
		base := i * 6
		valuePlaceholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, e.ID, e.Type, e.Timestamp, e.DeviceID, e.WorkspaceID, e.Data)
	}

	query := fmt.Sprintf(`
		INSERT INTO events (id, type, timestamp, device_id, workspace_id, data)
		VALUES %s
		ON CONFLICT (id) DO NOTHING
		RETURNING id`, strings.Join(valuePlaceholders, ", "))

	rows, err := in.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ingest: dedupe insert: %w", err)
	}
	defer rows.Close()

	acceptedIDs := make(map[string]bool, len(batch))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ingest: scan accepted id: %w", err)
		}
		acceptedIDs[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ingest: iterate accepted ids: %w", err)
	}

	accepted := make([]models.IngestEvent, 0, len(acceptedIDs))
	for _, e := range batch {
		if acceptedIDs[e.ID] {
			accepted = append(accepted, e)
		}
	}
	return accepted, nil
}
