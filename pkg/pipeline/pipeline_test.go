package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/internal/testutil"
	"github.com/devstream-project/devstream/pkg/config"
	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/pipeline"
)

type fakeStore struct {
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return body, nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte) error {
	f.objects[key] = body
	return nil
}

func TestRunSessionPipelineHappyPathEmptyTranscript(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()
	resolver := identity.NewResolver(client.Pool())
	machine := lifecycle.NewMachine(client.Pool())

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/widgets", models.WorkspaceHints{})
	require.NoError(t, err)
	_, err = resolver.ResolveOrCreateDevice(ctx, "dev-1", models.DeviceHints{})
	require.NoError(t, err)

	key := "transcripts/acme-widgets/cc-empty/raw.jsonl"
	_, err = client.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at, ended_at, transcript_s3_key)
		VALUES ($1, $2, $3, $1, $4, $5, $6, $6, $7)`,
		"cc-empty", ws.ID, "dev-1", models.LifecycleEnded, models.ParseStatusPending, time.Now().UTC(), key)
	require.NoError(t, err)

	store := newFakeStore()
	require.NoError(t, store.Put(ctx, key, []byte{}))

	deps := pipeline.Deps{
		Pool:      client.Pool(),
		Lifecycle: machine,
		Objects:   store,
		Config:    config.SummaryConfig{Enabled: false},
	}

	res := pipeline.RunSessionPipeline(ctx, deps, "cc-empty")
	require.True(t, res.ParseSuccess)
	require.Empty(t, res.Errors)
	require.NotNil(t, res.Stats)
	require.Equal(t, 0, res.Stats.TotalMessages)

	var lc models.Lifecycle
	var parseStatus models.ParseStatus
	var totalMessages *int
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT lifecycle, parse_status, total_messages FROM sessions WHERE id = $1`, "cc-empty",
	).Scan(&lc, &parseStatus, &totalMessages))
	require.Equal(t, models.LifecycleParsed, lc)
	require.Equal(t, models.ParseStatusComplete, parseStatus)
	require.NotNil(t, totalMessages)
	require.Equal(t, 0, *totalMessages)
}

func TestRunSessionPipelineRejectsWrongLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()
	resolver := identity.NewResolver(client.Pool())
	machine := lifecycle.NewMachine(client.Pool())

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/other", models.WorkspaceHints{})
	require.NoError(t, err)
	_, err = resolver.ResolveOrCreateDevice(ctx, "dev-2", models.DeviceHints{})
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at)
		VALUES ($1, $2, $3, $1, $4, $5, $6)`,
		"cc-detected", ws.ID, "dev-2", models.LifecycleDetected, models.ParseStatusPending, time.Now().UTC())
	require.NoError(t, err)

	deps := pipeline.Deps{Pool: client.Pool(), Lifecycle: machine, Objects: newFakeStore()}
	res := pipeline.RunSessionPipeline(ctx, deps, "cc-detected")
	require.True(t, res.Skipped)
	require.False(t, res.ParseSuccess)

	var lc models.Lifecycle
	require.NoError(t, client.Pool().QueryRow(ctx, `SELECT lifecycle FROM sessions WHERE id = $1`, "cc-detected").Scan(&lc))
	require.Equal(t, models.LifecycleDetected, lc)
}

func TestRunSessionPipelineDownloadFailureFailsSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()
	resolver := identity.NewResolver(client.Pool())
	machine := lifecycle.NewMachine(client.Pool())

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/missing", models.WorkspaceHints{})
	require.NoError(t, err)
	_, err = resolver.ResolveOrCreateDevice(ctx, "dev-3", models.DeviceHints{})
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at, ended_at, transcript_s3_key)
		VALUES ($1, $2, $3, $1, $4, $5, $6, $6, $7)`,
		"cc-missing", ws.ID, "dev-3", models.LifecycleEnded, models.ParseStatusPending, time.Now().UTC(), "transcripts/missing/raw.jsonl")
	require.NoError(t, err)

	deps := pipeline.Deps{Pool: client.Pool(), Lifecycle: machine, Objects: newFakeStore()}
	res := pipeline.RunSessionPipeline(ctx, deps, "cc-missing")
	require.False(t, res.ParseSuccess)
	require.NotEmpty(t, res.Errors)

	var lc models.Lifecycle
	var parseErr *string
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT lifecycle, parse_error FROM sessions WHERE id = $1`, "cc-missing",
	).Scan(&lc, &parseErr))
	require.Equal(t, models.LifecycleFailed, lc)
	require.NotNil(t, parseErr)
}
