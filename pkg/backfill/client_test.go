package backfill_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/pkg/backfill"
	"github.com/devstream-project/devstream/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	return nil
}

// fakeIngestServer accepts ingest batches and reports every event as newly
// ingested the first time it is seen and a duplicate thereafter, mirroring
// the real server's ON CONFLICT DO NOTHING dedupe.
func fakeIngestServer(t *testing.T) *httptest.Server {
	t.Helper()
	seen := map[string]bool{}
	var mu sync.Mutex

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/events/ingest":
			var body struct {
				Events []models.IngestEvent `json:"events"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

			mu.Lock()
			ingested, duplicates := 0, 0
			for _, e := range body.Events {
				if seen[e.ID] {
					duplicates++
				} else {
					seen[e.ID] = true
					ingested++
				}
			}
			mu.Unlock()

			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]int{"ingested": ingested, "duplicates": duplicates})

		case r.Method == http.MethodGet && len(r.URL.Path) > len("/api/sessions/"):
			id := r.URL.Path[len("/api/sessions/"):]
			lifecycle := models.LifecycleEnded
			if id == "cc-parsed" {
				lifecycle = models.LifecycleParsed
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"session": models.Session{ID: id, Lifecycle: lifecycle},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestIngestBackfillSessionsDedupesOnSecondRun(t *testing.T) {
	server := fakeIngestServer(t)
	defer server.Close()

	root := t.TempDir()
	transcriptPath := filepath.Join(root, "cc-1.jsonl")
	require.NoError(t, os.WriteFile(transcriptPath, []byte(`{"type":"user"}`+"\n"), 0o644))

	store := newFakeStore()
	client := backfill.NewClient(server.URL, "test-key", store)

	discovered := []backfill.DiscoveredSession{{SessionID: "cc-1", TranscriptPath: transcriptPath, FileSizeBytes: 16}}
	opts := backfill.IngestOptions{
		DeviceID:             "dev-1",
		WorkspaceCanonicalID: "github.com/acme/widgets",
	}

	var progressUpdates []backfill.ProgressUpdate
	opts.Progress = func(p backfill.ProgressUpdate) { progressUpdates = append(progressUpdates, p) }

	result, err := backfill.IngestBackfillSessions(context.Background(), client, discovered, opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.Ingested)
	require.Equal(t, 0, result.Duplicates)
	require.Empty(t, result.Failed)
	require.NotEmpty(t, progressUpdates)

	result, err = backfill.IngestBackfillSessions(context.Background(), client, discovered, opts)
	require.NoError(t, err)
	require.Equal(t, 0, result.Ingested)
	require.Equal(t, 1, result.Duplicates)
}

func TestIngestBackfillSessionsReportsMissingTranscript(t *testing.T) {
	server := fakeIngestServer(t)
	defer server.Close()

	store := newFakeStore()
	client := backfill.NewClient(server.URL, "test-key", store)

	discovered := []backfill.DiscoveredSession{{SessionID: "cc-missing", TranscriptPath: "/does/not/exist.jsonl"}}
	result, err := backfill.IngestBackfillSessions(context.Background(), client, discovered, backfill.IngestOptions{
		DeviceID:             "dev-1",
		WorkspaceCanonicalID: "github.com/acme/widgets",
	})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "cc-missing", result.Failed[0].SessionID)
}

func TestWaitForPipelineCompletionReachesTerminal(t *testing.T) {
	server := fakeIngestServer(t)
	defer server.Close()

	store := newFakeStore()
	client := backfill.NewClient(server.URL, "test-key", store)

	result, err := backfill.WaitForPipelineCompletion(context.Background(), client, []string{"cc-parsed"}, backfill.WaitOptions{
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Second,
	})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, 1, result.Summary.Parsed)
}

func TestWaitForPipelineCompletionTimesOut(t *testing.T) {
	server := fakeIngestServer(t)
	defer server.Close()

	store := newFakeStore()
	client := backfill.NewClient(server.URL, "test-key", store)

	result, err := backfill.WaitForPipelineCompletion(context.Background(), client, []string{"cc-still-ended"}, backfill.WaitOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      30 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, result.TimedOut)
	require.Equal(t, 1, result.Summary.Pending)
}

func TestWaitForPipelineCompletionAbortsOnContextCancel(t *testing.T) {
	server := fakeIngestServer(t)
	defer server.Close()

	store := newFakeStore()
	client := backfill.NewClient(server.URL, "test-key", store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := backfill.WaitForPipelineCompletion(ctx, client, []string{"cc-still-ended"}, backfill.WaitOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Minute,
	})
	require.NoError(t, err)
	require.True(t, result.Aborted)
}
