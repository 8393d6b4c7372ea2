package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/internal/testutil"
	"github.com/devstream-project/devstream/pkg/ingest"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/stream"
)

func TestValidateBatchRejectsUnknownType(t *testing.T) {
	in := ingest.NewIngestor(nil, nil)
	_, err := in.Ingest(context.Background(), []models.IngestEvent{
		{ID: "evt-1", Type: "bogus.type", Timestamp: time.Now(), DeviceID: "dev-1", WorkspaceID: "ws-1"},
	})
	require.Error(t, err)

	var verr *ingest.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 1)
	assert.Equal(t, "type", verr.Errors[0].Field)
}

func TestValidateBatchReportsEveryOffendingEvent(t *testing.T) {
	in := ingest.NewIngestor(nil, nil)
	_, err := in.Ingest(context.Background(), []models.IngestEvent{
		{ID: "", Type: models.EventTypeGitCommit, Timestamp: time.Now(), DeviceID: "dev-1", WorkspaceID: "ws-1"},
		{ID: "evt-2", Type: "", Timestamp: time.Time{}, DeviceID: "", WorkspaceID: ""},
	})
	require.Error(t, err)

	var verr *ingest.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 1+4)
}

func newTestStream(t *testing.T) *stream.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	s := stream.NewClient(stream.Config{Addr: mr.Addr(), StreamKey: "events", ConsumerGrp: "devstream"})
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s
}

func TestIngestDedupesAndAppendsOnlyAcceptedEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)
	s := newTestStream(t)
	in := ingest.NewIngestor(db.Pool(), s)

	batch := []models.IngestEvent{
		{ID: "evt-1", Type: models.EventTypeSessionStart, Timestamp: time.Now().UTC(), DeviceID: "dev-1", WorkspaceID: "ws-1", Data: json.RawMessage(`{"cc_session_id":"cc-1"}`)},
		{ID: "evt-2", Type: models.EventTypeGitCommit, Timestamp: time.Now().UTC(), DeviceID: "dev-1", WorkspaceID: "ws-1", Data: json.RawMessage(`{"hash":"abc"}`)},
	}

	result, err := in.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, ingest.Result{Ingested: 2, Duplicates: 0}, result)

	msgs, err := s.ReadGroup(ctx, "test-consumer", 100*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	result, err = in.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, ingest.Result{Ingested: 0, Duplicates: 2}, result)

	msgs, err = s.ReadGroup(ctx, "test-consumer", 100*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIngestAcceptsPartialBatchOnRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)
	s := newTestStream(t)
	in := ingest.NewIngestor(db.Pool(), s)

	first := []models.IngestEvent{
		{ID: "evt-1", Type: models.EventTypeSessionStart, Timestamp: time.Now().UTC(), DeviceID: "dev-1", WorkspaceID: "ws-1", Data: json.RawMessage(`{}`)},
	}
	_, err := in.Ingest(ctx, first)
	require.NoError(t, err)

	mixed := []models.IngestEvent{
		first[0],
		{ID: "evt-3", Type: models.EventTypeGitPush, Timestamp: time.Now().UTC(), DeviceID: "dev-1", WorkspaceID: "ws-1", Data: json.RawMessage(`{"branch":"main"}`)},
	}
	result, err := in.Ingest(ctx, mixed)
	require.NoError(t, err)
	assert.Equal(t, ingest.Result{Ingested: 1, Duplicates: 1}, result)
}
