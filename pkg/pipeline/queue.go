package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// Queue is a bounded, process-local work queue that schedules pipeline
// runs. A restart drops anything still pending; the stuck-session scan
// (pkg/lifecycle.FindStuckSessions) is what reintroduces dropped work after
// its staleness threshold passes.
type Queue struct {
	maxConcurrent int
	maxDepth      int

	mu      sync.Mutex
	pending []string
	inFlight int
	stopped bool
	depthCh chan struct{}

	deps   Deps
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewQueue builds a Queue. maxDepth defaults to 50 (per §4.6) when <= 0.
func NewQueue(maxConcurrent, maxDepth int) *Queue {
	if maxDepth <= 0 {
		maxDepth = 50
	}
	return &Queue{
		maxConcurrent: maxConcurrent,
		maxDepth:      maxDepth,
		stopped:       true,
		depthCh:       make(chan struct{}, 1),
		logger:        slog.With("component", "pipeline.queue"),
	}
}

// Start wires the queue's dependencies and marks it accepting work.
// Enqueue calls before Start are a no-op, matching Enqueue-while-stopped.
func (q *Queue) Start(deps Deps) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deps = deps
	q.stopped = false
}

// Enqueue schedules sessionID for a pipeline run. If the queue is stopped,
// or already at maxDepth, the entry is dropped with a warn log.
func (q *Queue) Enqueue(sessionID string) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if len(q.pending) >= q.maxDepth {
		q.mu.Unlock()
		q.logger.Warn("Pipeline queue at max depth, dropping session", "session_id", sessionID, "max_depth", q.maxDepth)
		return
	}
	q.pending = append(q.pending, sessionID)
	q.mu.Unlock()
	q.pump()
}

// Depth returns the number of sessions still waiting for a worker slot.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// pump starts runs for as many pending entries as there are free
// maxConcurrent slots. Called after every Enqueue and after every run
// completes.
func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 || q.inFlight >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		sessionID := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		deps := q.deps
		q.mu.Unlock()

		q.wg.Add(1)
		go func(id string) {
			defer q.wg.Done()
			res := RunSessionPipeline(context.Background(), deps, id)
			if len(res.Errors) > 0 {
				q.logger.Warn("Pipeline run finished with errors", "session_id", id, "errors", res.Errors)
			}
			q.mu.Lock()
			q.inFlight--
			q.mu.Unlock()
			q.pump()
		}(sessionID)
	}
}

// Stop clears the pending list and blocks until every in-flight run
// finishes, matching the ordered-drain graceful shutdown described in §5.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("Pipeline queue stopping, dropped pending entries", "dropped", dropped)
	}
	q.wg.Wait()
}
