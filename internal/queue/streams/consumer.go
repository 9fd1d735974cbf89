package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer is one worker's view of the job request stream. Every entry it
// hands out is a schema-valid envelope; the rest are acked and dropped.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	stream   string
	group    string
	name     string
}

// NewConsumer binds a consumer to stream within group. name may be empty when
// the consumer is only used for Backlog.
func NewConsumer(client *redis.Client, registry *SchemaRegistry, stream, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, stream: stream, group: group, name: name}
}

// Stream is the stream this consumer reads.
func (c *Consumer) Stream() string { return c.stream }

// EnsureGroup creates the group at the start of the stream so requests queued
// before the first worker came up are still run. An existing group is left alone.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c.stream == "" || c.group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is a delivered job request.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read waits up to block for new requests and returns at most count of them.
func (c *Consumer) Read(ctx context.Context, block time.Duration, count int64) ([]Message, error) {
	if err := c.readable(); err != nil {
		return nil, err
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Block:    block,
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		out = append(out, c.decodeAll(ctx, st.Messages)...)
	}
	return out, nil
}

// Ack marks requests as handed to the orchestrator.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Reclaim takes over requests another worker read but never acked within
// minIdle, walking the whole pending list in batches of count.
func (c *Consumer) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	if err := c.readable(); err != nil {
		return nil, err
	}
	var out []Message
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}).Result()
		if err != nil {
			return out, fmt.Errorf("xautoclaim: %w", err)
		}
		out = append(out, c.decodeAll(ctx, msgs)...)
		if next == "" || next == "0-0" {
			return out, nil
		}
		start = next
	}
}

// Backlog describes requests the worker group has not finished handing over.
type Backlog struct {
	// Queued requests were never delivered; -1 when Redis cannot tell.
	Queued int64 `json:"queued"`
	// InFlight requests were delivered but not acked yet.
	InFlight int64 `json:"in_flight"`
	Workers  int64 `json:"workers"`
	// OldestInFlight is how long the oldest unacked request has been idle.
	OldestInFlight time.Duration `json:"oldest_in_flight"`
}

// Backlog reads the group state and records it on the queue gauges.
func (c *Consumer) Backlog(ctx context.Context) (Backlog, error) {
	if c.client == nil {
		return Backlog{}, fmt.Errorf("redis client is nil")
	}
	if c.stream == "" || c.group == "" {
		return Backlog{}, fmt.Errorf("stream and group must be provided")
	}
	groups, err := c.client.XInfoGroups(ctx, c.stream).Result()
	if err != nil {
		return Backlog{}, fmt.Errorf("xinfo groups: %w", err)
	}
	b := Backlog{Queued: -1}
	found := false
	for _, info := range groups {
		if info.Name == c.group {
			b.Queued, b.InFlight, b.Workers = info.Lag, info.Pending, int64(info.Consumers)
			found = true
			break
		}
	}
	if !found {
		return Backlog{}, fmt.Errorf("group %q not found on %s", c.group, c.stream)
	}
	if b.InFlight > 0 {
		oldest, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Backlog{}, fmt.Errorf("xpending: %w", err)
		}
		if len(oldest) > 0 {
			b.OldestInFlight = oldest[0].Idle
		}
	}
	recordBacklog(ctx, c.stream, b)
	return b, nil
}

func (c *Consumer) readable() error {
	if c.stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

func (c *Consumer) decodeAll(ctx context.Context, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if decoded, ok := c.decode(ctx, msg); ok {
			out = append(out, decoded)
		}
	}
	return out
}

// decode acks and drops entries that cannot be parsed or fail their schema;
// redelivering them would fail the same way.
func (c *Consumer) decode(ctx context.Context, msg redis.XMessage) (Message, bool) {
	drop := func(eventType string) (Message, bool) {
		recordRejected(ctx, eventType, "consume")
		_ = c.client.XAck(ctx, c.stream, c.group, msg.ID).Err()
		return Message{}, false
	}

	var raw []byte
	switch v := msg.Values["envelope"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return drop("unknown")
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return drop("unknown")
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return drop(env.EventType)
		}
	}
	recordConsumed(ctx, env.EventType)
	return Message{ID: msg.ID, Envelope: env}, true
}
