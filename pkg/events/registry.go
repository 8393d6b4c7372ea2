// Package events turns raw, at-least-once-delivered event envelopes into
// persisted state: a handler registry keyed by event type, a session
// correlator, and a consumer loop that reads the durable stream and
// dispatches to handlers inside a database transaction.
package events

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/devstream-project/devstream/pkg/models"
)

// Handler translates one event into persisted state. workspaceID is the
// resolved internal workspace ID, never the caller-supplied canonical_id.
// Handlers must be idempotent on event.ID: re-delivery of the same event
// must never double-apply its effect.
type Handler func(ctx context.Context, tx pgx.Tx, event models.Event, workspaceID string, logger *slog.Logger) error

// Registry maps event types to their handler.
type Registry struct {
	handlers map[models.EventType]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.EventType]Handler)}
}

// Register binds a handler to an event type, overwriting any previous
// binding for that type.
func (r *Registry) Register(t models.EventType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler bound to t, or false if none is registered.
func (r *Registry) Lookup(t models.EventType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// NewDefaultRegistry wires up every handler this package ships: session
// lifecycle events and the four git activity event types.
func NewDefaultRegistry(deps HandlerDeps) *Registry {
	r := NewRegistry()
	r.Register(models.EventTypeSessionStart, SessionStartHandler(deps))
	r.Register(models.EventTypeSessionEnd, SessionEndHandler(deps))
	gitHandler := GitActivityHandler(deps)
	for _, t := range models.GitEventTypes {
		r.Register(t, gitHandler)
	}
	return r
}
