package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/pkg/stream"
)

func newTestClient(t *testing.T) *stream.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := stream.NewClient(stream.Config{
		Addr:        mr.Addr(),
		StreamKey:   "events",
		ConsumerGrp: "devstream",
	})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.EnsureGroup(context.Background()))
	return client
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.EnsureGroup(context.Background()))
	require.NoError(t, client.EnsureGroup(context.Background()))
}

func TestAppendAndReadGroup(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	id, err := client.Append(ctx, []byte(`{"type":"session.start"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := client.ReadGroup(ctx, "consumer-1", 100*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.JSONEq(t, `{"type":"session.start"}`, string(msgs[0].Payload))
}

func TestReadGroupTimesOutWithNoEntries(t *testing.T) {
	client := newTestClient(t)
	msgs, err := client.ReadGroup(context.Background(), "consumer-1", 50*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAckRemovesFromPending(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	id, err := client.Append(ctx, []byte(`{}`))
	require.NoError(t, err)

	msgs, err := client.ReadGroup(ctx, "consumer-1", 100*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	count, err := client.DeliveryCount(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	require.NoError(t, client.Ack(ctx, id))

	count, err = client.DeliveryCount(ctx, id)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDeadLetterAcksAndRecordsEntry(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	id, err := client.Append(ctx, []byte(`{"type":"git.commit"}`))
	require.NoError(t, err)

	msgs, err := client.ReadGroup(ctx, "consumer-1", 100*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, client.DeadLetter(ctx, msgs[0], 5, "handler panicked"))

	count, err := client.DeliveryCount(ctx, id)
	require.NoError(t, err)
	require.Zero(t, count, "dead-lettering must ack the entry out of the pending list")
}
