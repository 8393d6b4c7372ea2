package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/internal/testutil"
	"github.com/devstream-project/devstream/pkg/aggregate"
	"github.com/devstream-project/devstream/pkg/api"
	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/ingest"
	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/pipeline"
	"github.com/devstream-project/devstream/pkg/stream"
	"github.com/devstream-project/devstream/pkg/timeline"
)

const testAPIKey = "test-key"

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(string) {}

func newTestServer(t *testing.T) (*api.Server, *identity.Resolver) {
	t.Helper()
	client := testutil.NewTestDatabase(t)
	resolver := identity.NewResolver(client.Pool())
	machine := lifecycle.NewMachine(client.Pool())

	mr := miniredis.RunT(t)
	streamClient := stream.NewClient(stream.Config{
		Addr:        mr.Addr(),
		StreamKey:   "events",
		ConsumerGrp: "devstream",
	})
	t.Cleanup(func() { _ = streamClient.Close() })

	s := api.NewServer(api.Deps{
		Pool:      client.Pool(),
		Stream:    streamClient,
		Ingestor:  ingest.NewIngestor(client.Pool(), streamClient),
		Timeline:  timeline.NewAssembler(client.Pool()),
		Aggregate: aggregate.NewService(client.Pool(), machine, noopEnqueuer{}),
		Queue:     pipeline.NewQueue(1, 10),
		APIKey:    testAPIKey,
		GinMode:   "test",
	})
	return s, resolver
}

func doRequest(s *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthRequiresAuth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareRejectsBadKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthReportsPostgresUp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, true, body["postgres"])
}

func TestIngestEventsRejectsInvalidBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/events/ingest", map[string]any{
		"events": []map[string]any{{"id": "evt-1"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEventsAcceptsValidBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, resolver := newTestServer(t)
	ctx := context.Background()

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/api", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := resolver.ResolveOrCreateDevice(ctx, "dev-api", models.DeviceHints{})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodPost, "/api/events/ingest", map[string]any{
		"events": []map[string]any{{
			"id":           "evt-api-1",
			"type":         string(models.EventTypeSessionStart),
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"device_id":    dev.ID,
			"workspace_id": ws.ID,
			"data":         map[string]any{"cc_session_id": "cc-api-1"},
		}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 1, body["ingested"])
	require.EqualValues(t, 0, body["duplicates"])
}

func TestWorkspaceAndDeviceEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, resolver := newTestServer(t)
	ctx := context.Background()

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/api-ws", models.WorkspaceHints{DisplayName: "api-ws"})
	require.NoError(t, err)
	_, err = resolver.ResolveOrCreateDevice(ctx, "dev-api-ws", models.DeviceHints{})
	require.NoError(t, err)

	rec := doRequest(s, http.MethodGet, "/api/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/workspaces/api-ws", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	workspace := detail["workspace"].(map[string]any)
	require.Equal(t, ws.ID, workspace["id"])

	rec = doRequest(s, http.MethodGet, "/api/workspaces/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTimelineAndSessionEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, resolver := newTestServer(t)
	ctx := context.Background()

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/api-timeline", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := resolver.ResolveOrCreateDevice(ctx, "dev-api-timeline", models.DeviceHints{})
	require.NoError(t, err)

	_, err = s.Pool().Exec(ctx, `
		INSERT INTO sessions (id, workspace_id, device_id, cc_session_id, lifecycle, parse_status, started_at)
		VALUES ($1, $2, $3, $1, $4, $5, $6)`,
		"cc-api-timeline-1", ws.ID, dev.ID, models.LifecycleEnded, models.ParseStatusComplete, time.Now().UTC())
	require.NoError(t, err)

	rec := doRequest(s, http.MethodGet, "/api/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/sessions/cc-api-timeline-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPatch, "/api/sessions/cc-api-timeline-1", map[string]any{"summary": "did stuff"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPatch, "/api/sessions/cc-api-timeline-1", map[string]any{"lifecycle": "ended"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromptEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	s, resolver := newTestServer(t)
	ctx := context.Background()

	ws, err := resolver.ResolveOrCreateWorkspace(ctx, "github.com/acme/api-prompts", models.WorkspaceHints{})
	require.NoError(t, err)
	dev, err := resolver.ResolveOrCreateDevice(ctx, "dev-api-prompts", models.DeviceHints{})
	require.NoError(t, err)
	_, err = resolver.EnsureWorkspaceDeviceLink(ctx, ws.ID, dev.ID, "/home/dev/prompts")
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `
		UPDATE workspace_devices SET pending_git_hooks_prompt = true
		WHERE workspace_id = $1 AND device_id = $2`, ws.ID, dev.ID)
	require.NoError(t, err)

	rec := doRequest(s, http.MethodGet, "/api/prompts/pending", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/prompts/pending?device_id="+dev.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	prompts := body["prompts"].([]any)
	require.Len(t, prompts, 1)

	rec = doRequest(s, http.MethodPost, "/api/prompts/dismiss", map[string]any{
		"workspace_id": ws.ID,
		"device_id":    dev.ID,
		"action":       "accepted",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/prompts/pending?device_id="+dev.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body["prompts"])

	var installed bool
	require.NoError(t, s.Pool().QueryRow(ctx, `
		SELECT git_hooks_installed FROM workspace_devices WHERE workspace_id = $1 AND device_id = $2`,
		ws.ID, dev.ID).Scan(&installed))
	require.True(t, installed)
}
