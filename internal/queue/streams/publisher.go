package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamAdder is the slice of the redis client the publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends schema-checked envelopes to Redis streams.
type Publisher struct {
	client   StreamAdder
	registry *SchemaRegistry
	maxLen   int64
}

// PublishOption allows configuring Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher. maxLen <= 0 leaves streams untrimmed.
func NewPublisher(client StreamAdder, registry *SchemaRegistry, maxLen int64) *Publisher {
	return &Publisher{client: client, registry: registry, maxLen: maxLen}
}

// Publish validates the envelope and appends it to stream.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if err := envelope.ValidateBasic(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(envelope.EventType, envelope.PayloadVersion, envelope.Data); err != nil {
			recordRejected(ctx, envelope.EventType, "publish")
			return "", err
		}
	}

	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	WithMaxLenApprox(p.maxLen)(args)
	for _, opt := range opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	recordPublished(ctx, envelope.EventType)
	return id, nil
}

// PublishEvent wraps payload in a new envelope and publishes it.
func (p *Publisher) PublishEvent(ctx context.Context, stream, eventType, version string, payload any, opts ...PublishOption) (string, error) {
	env, err := NewEnvelope(eventType, version, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env, opts...)
}
