package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devstream-project/devstream/pkg/models"
)

// DefaultPollInterval and DefaultWaitTimeout bound WaitForPipelineCompletion
// when WaitOptions leaves them unset.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = 5 * time.Minute
)

// terminalLifecycles are the states a session no longer advances from.
var terminalLifecycles = map[models.Lifecycle]bool{
	models.LifecycleParsed:     true,
	models.LifecycleSummarized: true,
	models.LifecycleArchived:   true,
	models.LifecycleFailed:     true,
}

// WaitOptions configures WaitForPipelineCompletion.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// CompletionSummary tallies the sessions polled by their current lifecycle.
type CompletionSummary struct {
	Parsed     int `json:"parsed"`
	Summarized int `json:"summarized"`
	Archived   int `json:"archived"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// WaitResult is the return value of WaitForPipelineCompletion.
type WaitResult struct {
	Completed bool
	TimedOut  bool
	Aborted   bool
	Summary   CompletionSummary
}

type sessionResponse struct {
	Session models.Session `json:"session"`
}

// WaitForPipelineCompletion polls GET /api/sessions/:id for each ID at
// opts.PollInterval until every session reaches a terminal lifecycle
// (parsed, summarized, archived, failed), opts.Timeout elapses, or ctx is
// cancelled by the caller.
func WaitForPipelineCompletion(ctx context.Context, c *Client, sessionIDs []string, opts WaitOptions) (WaitResult, error) {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		summary, allTerminal, err := c.pollSessions(ctx, sessionIDs)
		if err != nil {
			if ctx.Err() != nil {
				return WaitResult{Aborted: true, Summary: summary}, nil
			}
			return WaitResult{}, err
		}
		if allTerminal {
			return WaitResult{Completed: true, Summary: summary}, nil
		}

		select {
		case <-ctx.Done():
			return WaitResult{Aborted: true, Summary: summary}, nil
		case <-deadline.C:
			return WaitResult{TimedOut: true, Summary: summary}, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) pollSessions(ctx context.Context, sessionIDs []string) (CompletionSummary, bool, error) {
	var summary CompletionSummary
	allTerminal := true

	for _, id := range sessionIDs {
		lifecycle, err := c.fetchLifecycle(ctx, id)
		if err != nil {
			return summary, false, err
		}
		switch lifecycle {
		case models.LifecycleParsed:
			summary.Parsed++
		case models.LifecycleSummarized:
			summary.Summarized++
		case models.LifecycleArchived:
			summary.Archived++
		case models.LifecycleFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
		if !terminalLifecycles[lifecycle] {
			allTerminal = false
		}
	}
	return summary, allTerminal, nil
}

func (c *Client) fetchLifecycle(ctx context.Context, sessionID string) (models.Lifecycle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+sessionID, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session %s: unexpected HTTP %d", sessionID, resp.StatusCode)
	}

	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return parsed.Session.Lifecycle, nil
}
