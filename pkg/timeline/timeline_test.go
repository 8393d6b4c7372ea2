package timeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/internal/testutil"
	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/timeline"
)

func TestAssembleMergesSessionsAndOrphanGitActivity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()
	resolver := identity.NewResolver(client.Pool())

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/timeline", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := resolver.ResolveOrCreateDevice(ctx, "dev-timeline", models.DeviceHints{})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	sessionID := "cc-timeline-1"
	_, err = client.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at)
		VALUES ($1, $2, $3, $1, $4, $5, $6)`,
		sessionID, ws.ID, dev.ID, models.LifecycleEnded, models.ParseStatusPending, now.Add(-time.Hour))
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx, `
		INSERT INTO git_activity (id, workspace_id, device_id, session_id, type, branch, commit_sha, message, timestamp)
		VALUES ($1, $2, $3, $4, $5, 'main', 'cafef00d', 'in-session commit', $6)`,
		"ga-1", ws.ID, dev.ID, sessionID, models.EventTypeGitCommit, now.Add(-time.Hour))
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx, `
		INSERT INTO git_activity (id, workspace_id, device_id, session_id, type, branch, commit_sha, message, timestamp)
		VALUES ($1, $2, $3, NULL, $4, 'main', 'orphan01', 'orphan commit', $5)`,
		"ga-2", ws.ID, dev.ID, models.EventTypeGitCommit, now.Add(-30*time.Minute))
	require.NoError(t, err)

	asm := timeline.NewAssembler(client.Pool())
	res, err := asm.Assemble(ctx, timeline.Params{WorkspaceID: ws.ID, Limit: 50})
	require.NoError(t, err)
	require.False(t, res.HasMore)
	require.Nil(t, res.NextCursor)
	require.Len(t, res.Items, 2)

	// Descending by started_at: the orphan group (30m ago) comes before the
	// session item (1h ago).
	require.Equal(t, timeline.ItemTypeGitActivity, res.Items[0].Type)
	require.Len(t, res.Items[0].GitActivity, 1)
	require.Equal(t, "orphan01", res.Items[0].GitActivity[0].CommitSHA)

	require.Equal(t, timeline.ItemTypeSession, res.Items[1].Type)
	require.Equal(t, sessionID, res.Items[1].Session.ID)
	require.Len(t, res.Items[1].GitActivity, 1)
	require.Equal(t, "cafef00d", res.Items[1].GitActivity[0].CommitSHA)
}

func TestAssembleOrphanOnlyWorkspace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()
	resolver := identity.NewResolver(client.Pool())

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/orphan-only", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := resolver.ResolveOrCreateDevice(ctx, "dev-orphan", models.DeviceHints{})
	require.NoError(t, err)

	ts := time.Now().UTC().Add(-5 * time.Minute)
	_, err = client.Pool().Exec(ctx, `
		INSERT INTO git_activity (id, workspace_id, device_id, session_id, type, branch, commit_sha, message, timestamp)
		VALUES ($1, $2, $3, NULL, $4, 'main', 'abc123', 'lone commit', $5)`,
		"ga-lone", ws.ID, dev.ID, models.EventTypeGitCommit, ts)
	require.NoError(t, err)

	asm := timeline.NewAssembler(client.Pool())
	res, err := asm.Assemble(ctx, timeline.Params{WorkspaceID: ws.ID, Limit: 50})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, timeline.ItemTypeGitActivity, res.Items[0].Type)
	require.Equal(t, ws.ID, res.Items[0].WorkspaceID)
	require.Equal(t, dev.ID, res.Items[0].DeviceID)
}

func TestAssemblePaginatesWithCursor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	client := testutil.NewTestDatabase(t)
	ctx := context.Background()
	resolver := identity.NewResolver(client.Pool())

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/paged", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := resolver.ResolveOrCreateDevice(ctx, "dev-paged", models.DeviceHints{})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err = client.Pool().Exec(ctx, `
			INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at)
			VALUES ($1, $2, $3, $1, $4, $5, $6)`,
			"cc-page-"+string(rune('a'+i)), ws.ID, dev.ID, models.LifecycleEnded, models.ParseStatusPending,
			base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	asm := timeline.NewAssembler(client.Pool())
	page1, err := asm.Assemble(ctx, timeline.Params{WorkspaceID: ws.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	require.True(t, page1.HasMore)
	require.NotNil(t, page1.NextCursor)

	cursor, err := timeline.DecodeCursor(*page1.NextCursor)
	require.NoError(t, err)

	page2, err := asm.Assemble(ctx, timeline.Params{WorkspaceID: ws.ID, Limit: 2, Cursor: &cursor})
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	require.False(t, page2.HasMore)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := timeline.DecodeCursor("not-valid-base64!!!")
	require.Error(t, err)
}
