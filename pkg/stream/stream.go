// Package stream wraps a Redis Stream as devstream's single durable event
// queue: append, idempotent consumer-group creation, blocking read, ack,
// and a delivery-count-driven dead letter path.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamKey is the stream devstream appends all ingested events to.
const DefaultStreamKey = "events"

const payloadField = "payload"

// Config addresses the Redis instance backing the stream. Two independent
// clients are built from it: a blocking consumer never shares a connection
// with health checks and ingestion, which would otherwise starve it.
type Config struct {
	Addr         string
	Password     string
	DB           int
	StreamKey    string
	ConsumerGrp  string
	ConsumerName string
}

// Client is a stream handle bound to one key and consumer group.
type Client struct {
	blocking *redis.Client
	general  *redis.Client
	key      string
	group    string
}

// NewClient builds the two dedicated Redis connections described by cfg and
// returns a bound Client. Callers are responsible for closing both via
// Close.
func NewClient(cfg Config) *Client {
	key := cfg.StreamKey
	if key == "" {
		key = DefaultStreamKey
	}
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	return &Client{
		blocking: redis.NewClient(opts),
		general:  redis.NewClient(opts),
		key:      key,
		group:    cfg.ConsumerGrp,
	}
}

// Close closes both underlying connections.
func (c *Client) Close() error {
	berr := c.blocking.Close()
	gerr := c.general.Close()
	if berr != nil {
		return berr
	}
	return gerr
}

// Ping reports whether the general connection can reach Redis, for the
// health endpoint.
func (c *Client) Ping(ctx context.Context) bool {
	return c.general.Ping(ctx).Err() == nil
}

// EnsureGroup idempotently creates the consumer group at the end of the
// stream, creating the stream itself if it does not exist yet. Safe to call
// on every startup.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.general.XGroupCreateMkStream(ctx, c.key, c.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: ensure group %s on %s: %w", c.group, c.key, err)
	}
	return nil
}

// Append adds payload as a new stream entry and returns its entry ID.
func (c *Client) Append(ctx context.Context, payload []byte) (string, error) {
	id, err := c.general.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: append to %s: %w", c.key, err)
	}
	return id, nil
}

// Message is one delivered stream entry.
type Message struct {
	ID      string
	Payload []byte
}

// ReadGroup performs one blocking read against the consumer group, waiting
// up to block for new entries. A nil, nil return means the read timed out
// with nothing delivered.
func (c *Client) ReadGroup(ctx context.Context, consumer string, block time.Duration, count int64) ([]Message, error) {
	res, err := c.blocking.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  []string{c.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: read group %s: %w", c.group, err)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, ok := entry.Values[payloadField]
			if !ok {
				continue
			}
			payload, ok := raw.(string)
			if !ok {
				continue
			}
			out = append(out, Message{ID: entry.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

// Ack removes entries from the group's pending entries list.
func (c *Client) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.general.XAck(ctx, c.key, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("stream: ack %v: %w", ids, err)
	}
	return nil
}

// DeliveryCount reports how many times an entry has been delivered to a
// consumer in this group, via its pending-entries-list retry count.
func (c *Client) DeliveryCount(ctx context.Context, id string) (int64, error) {
	entries, err := c.general.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.key,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: pending count for %s: %w", id, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// deadLetterKey returns the list key dead-lettered entries for this group
// accumulate under.
func (c *Client) deadLetterKey() string {
	return fmt.Sprintf("%s:%s:deadletter", c.key, c.group)
}

// deadLetterEntry is the JSON shape pushed onto the dead letter list.
type deadLetterEntry struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload"`
	Reason      string    `json:"reason"`
	DeadAt      time.Time `json:"dead_at"`
	DeliveryNum int64     `json:"delivery_num"`
}

// DeadLetter moves a message to the dead letter list and acks it, so it
// leaves the group's pending entries list permanently. Used after a message
// has failed delivery more times than the configured retry limit.
func (c *Client) DeadLetter(ctx context.Context, msg Message, deliveryNum int64, reason string) error {
	entry := deadLetterEntry{
		ID:          msg.ID,
		Payload:     msg.Payload,
		Reason:      reason,
		DeadAt:      time.Now().UTC(),
		DeliveryNum: deliveryNum,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("stream: marshal dead letter entry: %w", err)
	}

	pipe := c.general.TxPipeline()
	pipe.LPush(ctx, c.deadLetterKey(), payload)
	pipe.XAck(ctx, c.key, c.group, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stream: dead-letter %s: %w", msg.ID, err)
	}
	return nil
}
