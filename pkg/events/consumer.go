package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/models"
	"github.com/devstream-project/devstream/pkg/stream"
)

// ConsumerConfig tunes the consumer's poll loop and dead-letter threshold.
type ConsumerConfig struct {
	ConsumerName       string
	BlockTimeout       time.Duration
	BatchSize          int64
	PollIntervalJitter time.Duration
	DeliveryRetryLimit int64
}

// Consumer reads the durable stream's consumer group and dispatches each
// entry to its registered handler inside a database transaction.
type Consumer struct {
	stream   *stream.Client
	pool     *pgxpool.Pool
	identity *identity.Resolver
	registry *Registry
	cfg      ConsumerConfig
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer builds a Consumer. registry must have handlers registered for
// every event type the caller expects to see; unregistered types are acked
// with a warning rather than treated as an error.
func NewConsumer(s *stream.Client, pool *pgxpool.Pool, resolver *identity.Resolver, registry *Registry, cfg ConsumerConfig) *Consumer {
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.DeliveryRetryLimit == 0 {
		cfg.DeliveryRetryLimit = 5
	}
	return &Consumer{
		stream:   s,
		pool:     pool,
		identity: resolver,
		registry: registry,
		cfg:      cfg,
		logger:   slog.With("component", "events.consumer", "consumer", cfg.ConsumerName),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the consumer's blocking read loop in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	if err := c.stream.EnsureGroup(ctx); err != nil {
		c.logger.Error("Failed to ensure consumer group, consumer not started", "error", err)
		return
	}
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the consumer loop to exit and waits for it. The signal is
// checked between polls, so a blocking read in progress is not interrupted:
// Stop returns once that read ends (at most BlockTimeout) and its entries
// are processed.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Info("Event consumer started")

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Event consumer shutting down")
			return
		case <-ctx.Done():
			c.logger.Info("Context cancelled, event consumer shutting down")
			return
		default:
			if err := c.pollAndProcess(ctx); err != nil {
				c.logger.Error("Error polling event stream", "error", err)
				c.sleep(time.Second)
			}
		}
	}
}

func (c *Consumer) sleep(d time.Duration) {
	if c.cfg.PollIntervalJitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.cfg.PollIntervalJitter)))
	}
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *Consumer) pollAndProcess(ctx context.Context) error {
	msgs, err := c.stream.ReadGroup(ctx, c.cfg.ConsumerName, c.cfg.BlockTimeout, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		c.process(ctx, msg)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg stream.Message) {
	logger := c.logger.With("entry_id", msg.ID)

	var event models.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		logger.Error("Malformed event payload, acking to avoid poison-pilling the stream", "error", err)
		c.ack(ctx, msg.ID, logger)
		return
	}
	logger = logger.With("event_id", event.ID, "event_type", event.Type)

	handler, ok := c.registry.Lookup(event.Type)
	if !ok {
		logger.Warn("No handler registered for event type, acking")
		c.ack(ctx, msg.ID, logger)
		return
	}

	if err := c.dispatch(ctx, event, handler, logger); err != nil {
		logger.Error("Handler failed", "error", err)
		c.handleFailure(ctx, msg, logger)
		return
	}
	c.ack(ctx, msg.ID, logger)
}

func (c *Consumer) dispatch(ctx context.Context, event models.Event, handler Handler, logger *slog.Logger) error {
	ws, err := c.identity.ResolveOrCreateWorkspace(ctx, event.WorkspaceID, models.WorkspaceHints{})
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if _, err := c.identity.ResolveOrCreateDevice(ctx, event.DeviceID, models.DeviceHints{}); err != nil {
		return fmt.Errorf("resolve device: %w", err)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := handler(ctx, tx, event, ws.ID, logger); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, entryID string, logger *slog.Logger) {
	if err := c.stream.Ack(ctx, entryID); err != nil {
		logger.Error("Failed to ack stream entry", "error", err)
	}
}

// handleFailure bumps the entry's delivery count and dead-letters it once
// the configured retry limit is exceeded; otherwise it is left unacked so
// the consumer group redelivers it.
func (c *Consumer) handleFailure(ctx context.Context, msg stream.Message, logger *slog.Logger) {
	count, err := c.stream.DeliveryCount(ctx, msg.ID)
	if err != nil {
		logger.Error("Failed to read delivery count", "error", err)
		return
	}
	if count < c.cfg.DeliveryRetryLimit {
		logger.Warn("Handler failed, will redeliver", "delivery_count", count)
		return
	}
	logger.Error("Delivery limit exceeded, dead-lettering", "delivery_count", count)
	if err := c.stream.DeadLetter(ctx, msg, count, "delivery limit exceeded"); err != nil {
		logger.Error("Failed to dead-letter entry", "error", err)
	}
}
