package events_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/internal/testutil"
	"github.com/devstream-project/devstream/pkg/database"
	"github.com/devstream-project/devstream/pkg/events"
	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/models"
)

type stubEnqueuer struct {
	enqueued []string
}

func (s *stubEnqueuer) Enqueue(sessionID string) {
	s.enqueued = append(s.enqueued, sessionID)
}

func setupDeps(t *testing.T) (*database.Client, events.HandlerDeps, *stubEnqueuer) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	resolver := identity.NewResolver(client.Pool())
	enqueuer := &stubEnqueuer{}
	deps := events.HandlerDeps{
		Identity:   resolver,
		Lifecycle:  lifecycle.NewMachine(client.Pool()),
		Correlator: events.NewCorrelator(),
		Pipeline:   enqueuer,
	}
	return client, deps, enqueuer
}

func TestSessionStartHandlerCreatesSessionAndRaisesPrompt(t *testing.T) {
	tc, deps, _ := setupDeps(t)
	ctx := context.Background()

	ws, err := deps.Identity.ResolveOrCreateWorkspace(ctx, "github.com/acme/widgets", models.WorkspaceHints{})
	require.NoError(t, err)
	_, err = deps.Identity.ResolveOrCreateDevice(ctx, "dev-1", models.DeviceHints{})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]any{
		"cc_session_id": "cc-1",
		"cwd":           "/home/dev/widgets",
		"git_branch":    "main",
	})
	event := models.Event{ID: "evt-1", Type: models.EventTypeSessionStart, DeviceID: "dev-1", Data: payload, Timestamp: time.Now().UTC()}

	handler := events.SessionStartHandler(deps)
	tx, err := tc.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, handler(ctx, tx, event, ws.ID, slog.Default()))
	require.NoError(t, tx.Commit(ctx))

	var lc models.Lifecycle
	require.NoError(t, tc.Pool().QueryRow(ctx, `SELECT lifecycle FROM sessions WHERE id = $1`, "cc-1").Scan(&lc))
	require.Equal(t, models.LifecycleDetected, lc)

	var pending bool
	require.NoError(t, tc.Pool().QueryRow(ctx,
		`SELECT pending_git_hooks_prompt FROM workspace_devices WHERE workspace_id = $1 AND device_id = $2`,
		ws.ID, "dev-1").Scan(&pending))
	require.True(t, pending)
}

func TestSessionEndHandlerTransitionsAndEnqueues(t *testing.T) {
	tc, deps, enqueuer := setupDeps(t)
	ctx := context.Background()

	ws, err := deps.Identity.ResolveOrCreateWorkspace(ctx, "github.com/acme/widgets", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := deps.Identity.ResolveOrCreateDevice(ctx, "dev-1", models.DeviceHints{})
	require.NoError(t, err)

	_, err = tc.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at)
		VALUES ($1, $2, $3, $1, $4, $5, $6)`,
		"cc-2", ws.ID, dev.ID, models.LifecycleDetected, models.ParseStatusPending, time.Now().UTC())
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]any{
		"cc_session_id":   "cc-2",
		"duration_ms":     12345,
		"transcript_path": "transcripts/acme/cc-2/raw.jsonl",
	})
	event := models.Event{ID: "evt-2", Type: models.EventTypeSessionEnd, DeviceID: dev.ID, Data: payload, Timestamp: time.Now().UTC()}

	handler := events.SessionEndHandler(deps)
	tx, err := tc.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, handler(ctx, tx, event, ws.ID, slog.Default()))
	require.NoError(t, tx.Commit(ctx))

	var lc models.Lifecycle
	require.NoError(t, tc.Pool().QueryRow(ctx, `SELECT lifecycle FROM sessions WHERE id = $1`, "cc-2").Scan(&lc))
	require.Equal(t, models.LifecycleEnded, lc)
	require.Equal(t, []string{"cc-2"}, enqueuer.enqueued)
}

func TestGitActivityHandlerIsIdempotentAndCorrelates(t *testing.T) {
	tc, deps, _ := setupDeps(t)
	ctx := context.Background()

	ws, err := deps.Identity.ResolveOrCreateWorkspace(ctx, "github.com/acme/widgets", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := deps.Identity.ResolveOrCreateDevice(ctx, "dev-1", models.DeviceHints{})
	require.NoError(t, err)

	started := time.Now().UTC().Add(-time.Minute)
	_, err = tc.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at)
		VALUES ($1, $2, $3, $1, $4, $5, $6)`,
		"cc-3", ws.ID, dev.ID, models.LifecycleDetected, models.ParseStatusPending, started)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]any{
		"hash":    "abc123",
		"message": "fix bug",
		"branch":  "main",
	})
	event := models.Event{ID: "evt-3", Type: models.EventTypeGitCommit, DeviceID: dev.ID, Data: payload, Timestamp: time.Now().UTC()}

	handler := events.GitActivityHandler(deps)
	for i := 0; i < 2; i++ {
		tx, err := tc.Pool().Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, handler(ctx, tx, event, ws.ID, slog.Default()))
		require.NoError(t, tx.Commit(ctx))
	}

	var count int
	require.NoError(t, tc.Pool().QueryRow(ctx, `SELECT count(*) FROM git_activity WHERE id = $1`, "evt-3").Scan(&count))
	require.Equal(t, 1, count)

	var sessionID *string
	require.NoError(t, tc.Pool().QueryRow(ctx, `SELECT session_id FROM git_activity WHERE id = $1`, "evt-3").Scan(&sessionID))
	require.NotNil(t, sessionID)
	require.Equal(t, "cc-3", *sessionID)
}
