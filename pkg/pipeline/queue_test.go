package pipeline_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devstream-project/devstream/pkg/pipeline"
)

func TestQueueEnqueueRespectsMaxDepth(t *testing.T) {
	q := pipeline.NewQueue(0, 50)
	q.Start(pipeline.Deps{})

	for i := 0; i < 50; i++ {
		q.Enqueue(fmt.Sprintf("sess-%d", i))
	}
	assert.Equal(t, 50, q.Depth())

	q.Enqueue("sess-overflow")
	assert.Equal(t, 50, q.Depth(), "enqueue past max depth must be dropped, not queued")
}

func TestQueueEnqueueWhileStoppedIsNoOp(t *testing.T) {
	q := pipeline.NewQueue(1, 10)
	q.Stop()

	q.Enqueue("sess-1")
	assert.Equal(t, 0, q.Depth())
}

func TestQueueStopDrainsPendingEntries(t *testing.T) {
	q := pipeline.NewQueue(0, 10)
	q.Start(pipeline.Deps{})
	q.Enqueue("sess-1")
	q.Enqueue("sess-2")
	assert.Equal(t, 2, q.Depth())

	q.Stop()
	assert.Equal(t, 0, q.Depth())
}

func TestQueueDefaultMaxDepth(t *testing.T) {
	q := pipeline.NewQueue(0, 0)
	q.Start(pipeline.Deps{})
	for i := 0; i < 60; i++ {
		q.Enqueue(fmt.Sprintf("sess-%d", i))
	}
	assert.Equal(t, 50, q.Depth(), "maxDepth <= 0 must default to 50")
}
