package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/objectstore"
)

// DefaultBatchSize and DefaultConcurrency bound how ingest batches are
// built and posted when IngestOptions leaves them unset.
const (
	DefaultBatchSize   = 20
	DefaultConcurrency = 3
)

// Client posts discovered transcripts through the same HTTP ingest
// endpoint live events use, uploading each raw transcript to the object
// store first so the resulting session.end event's transcript_path
// resolves to a real object.
type Client struct {
	httpClient *http.Client
	store      objectstore.Store
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient builds a backfill Client. store is used to upload raw
// transcript bytes before the corresponding events are posted.
func NewClient(baseURL, apiKey string, store objectstore.Store) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     slog.With("component", "backfill.client"),
	}
}

// IngestOptions configures IngestBackfillSessions.
type IngestOptions struct {
	DeviceID             string
	WorkspaceCanonicalID string
	// Concurrency bounds how many batches are in flight at once; defaults
	// to DefaultConcurrency when <= 0.
	Concurrency int
	// BatchSize bounds how many sessions are posted per ingest call;
	// defaults to DefaultBatchSize when <= 0.
	BatchSize int
	// ThrottleMs sleeps between successive batch dispatches, per session
	// group, to avoid saturating the ingest endpoint.
	ThrottleMs int
	// Progress, if set, is called after every batch completes with the
	// running total.
	Progress func(ProgressUpdate)
}

// ProgressUpdate reports how far IngestBackfillSessions has gotten.
type ProgressUpdate struct {
	Total     int
	Completed int
}

// FailedSession records a transcript that could not be read, uploaded, or
// posted.
type FailedSession struct {
	SessionID string
	Reason    string
}

// IngestResult is the return value of IngestBackfillSessions.
type IngestResult struct {
	Ingested   int
	Duplicates int
	Failed     []FailedSession
}

type ingestRequestBody struct {
	Events []models.IngestEvent `json:"events"`
}

type ingestResponseBody struct {
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`
}

// IngestBackfillSessions uploads each discovered transcript and posts its
// session.start/session.end event pair through the ingest endpoint, in
// batches of opts.BatchSize, with up to opts.Concurrency batches in flight
// at once. Server-side dedupe (ON CONFLICT DO NOTHING on events.id) makes a
// second run of the same sessions report them back as duplicates rather
// than double-counting.
func IngestBackfillSessions(ctx context.Context, c *Client, discovered []DiscoveredSession, opts IngestOptions) (IngestResult, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batches := chunkSessions(discovered, batchSize)

	var (
		result    IngestResult
		completed int
		sem       = make(chan struct{}, concurrency)
		resultsCh = make(chan batchOutcome, len(batches))
	)

	for _, batch := range batches {
		batch := batch
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			resultsCh <- c.postBatch(ctx, batch, opts)
		}()
		if opts.ThrottleMs > 0 {
			time.Sleep(time.Duration(opts.ThrottleMs) * time.Millisecond)
		}
	}

	for range batches {
		outcome := <-resultsCh
		result.Ingested += outcome.ingested
		result.Duplicates += outcome.duplicates
		result.Failed = append(result.Failed, outcome.failed...)
		completed += outcome.attempted
		if opts.Progress != nil {
			opts.Progress(ProgressUpdate{Total: len(discovered), Completed: completed})
		}
	}

	return result, nil
}

type batchOutcome struct {
	ingested   int
	duplicates int
	attempted  int
	failed     []FailedSession
}

func (c *Client) postBatch(ctx context.Context, batch []DiscoveredSession, opts IngestOptions) batchOutcome {
	var outcome batchOutcome
	var events []models.IngestEvent

	for _, session := range batch {
		outcome.attempted++
		evts, err := c.buildEventPair(ctx, session, opts)
		if err != nil {
			outcome.failed = append(outcome.failed, FailedSession{SessionID: session.SessionID, Reason: err.Error()})
			continue
		}
		events = append(events, evts...)
	}
	if len(events) == 0 {
		return outcome
	}

	body, err := json.Marshal(ingestRequestBody{Events: events})
	if err != nil {
		outcome.failed = append(outcome.failed, FailedSession{Reason: fmt.Sprintf("marshal batch: %v", err)})
		return outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/events/ingest", bytes.NewReader(body))
	if err != nil {
		outcome.failed = append(outcome.failed, FailedSession{Reason: fmt.Sprintf("build request: %v", err)})
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome.failed = append(outcome.failed, FailedSession{Reason: fmt.Sprintf("post batch: %v", err)})
		return outcome
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		outcome.failed = append(outcome.failed, FailedSession{Reason: fmt.Sprintf("ingest endpoint returned HTTP %d", resp.StatusCode)})
		return outcome
	}

	var parsed ingestResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		outcome.failed = append(outcome.failed, FailedSession{Reason: fmt.Sprintf("decode response: %v", err)})
		return outcome
	}

	// session.start + session.end both land in the same batch; the server
	// reports duplicates at the individual event level, so halve the raw
	// counts to report per-session numbers.
	outcome.ingested = parsed.Ingested / 2
	outcome.duplicates = parsed.Duplicates / 2
	return outcome
}

// buildEventPair uploads the raw transcript and builds the session.start
// and session.end events that reconstruct it through the live ingest path.
func (c *Client) buildEventPair(ctx context.Context, session DiscoveredSession, opts IngestOptions) ([]models.IngestEvent, error) {
	raw, err := os.ReadFile(session.TranscriptPath)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	key := objectstore.TranscriptKey(opts.WorkspaceCanonicalID, session.SessionID)
	if err := c.store.Put(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("upload transcript: %w", err)
	}

	now := time.Now().UTC()
	startData, _ := json.Marshal(map[string]any{
		"cc_session_id":   session.SessionID,
		"transcript_path": key,
		"source":          "backfill",
	})
	endData, _ := json.Marshal(map[string]any{
		"cc_session_id":   session.SessionID,
		"transcript_path": key,
		"end_reason":      "backfill",
	})

	return []models.IngestEvent{
		{
			ID:          session.SessionID + "-start",
			Type:        models.EventTypeSessionStart,
			Timestamp:   now,
			DeviceID:    opts.DeviceID,
			WorkspaceID: opts.WorkspaceCanonicalID,
			Data:        startData,
		},
		{
			ID:          session.SessionID + "-end",
			Type:        models.EventTypeSessionEnd,
			Timestamp:   now.Add(time.Millisecond),
			DeviceID:    opts.DeviceID,
			WorkspaceID: opts.WorkspaceCanonicalID,
			Data:        endData,
		},
	}, nil
}

func chunkSessions(sessions []DiscoveredSession, size int) [][]DiscoveredSession {
	var chunks [][]DiscoveredSession
	for i := 0; i < len(sessions); i += size {
		end := i + size
		if end > len(sessions) {
			end = len(sessions)
		}
		chunks = append(chunks, sessions[i:end])
	}
	return chunks
}
