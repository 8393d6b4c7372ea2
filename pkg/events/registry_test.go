package events_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/pkg/events"
	"github.com/devstream-project/devstream/pkg/models"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := events.NewRegistry()
	_, ok := r.Lookup(models.EventTypeSessionStart)
	require.False(t, ok)

	called := false
	r.Register(models.EventTypeSessionStart, func(_ context.Context, _ pgx.Tx, _ models.Event, _ string, _ *slog.Logger) error {
		called = true
		return nil
	})

	h, ok := r.Lookup(models.EventTypeSessionStart)
	require.True(t, ok)
	require.NoError(t, h(context.Background(), nil, models.Event{}, "", slog.Default()))
	assert.True(t, called)
}

func TestNewDefaultRegistryCoversAllEventTypes(t *testing.T) {
	r := events.NewDefaultRegistry(events.HandlerDeps{})

	allTypes := append([]models.EventType{models.EventTypeSessionStart, models.EventTypeSessionEnd}, models.GitEventTypes...)
	for _, et := range allTypes {
		_, ok := r.Lookup(et)
		assert.Truef(t, ok, "expected a handler registered for %s", et)
	}
}
