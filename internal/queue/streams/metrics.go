package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsConsumed    otelmetric.Int64Counter
	eventsRejected    otelmetric.Int64Counter
	backlogQueued     otelmetric.Int64Gauge
	backlogInFlight   otelmetric.Int64Gauge
	backlogOldest     otelmetric.Float64Gauge
)

func initStreamMetrics() {
	meter := otel.Meter("ecoagent/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"ecoagent_stream_events_published_total",
		otelmetric.WithDescription("Job events appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: ecoagent_stream_events_published_total: %v", err)
	}
	eventsConsumed, err = meter.Int64Counter(
		"ecoagent_stream_events_consumed_total",
		otelmetric.WithDescription("Job events read from Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: ecoagent_stream_events_consumed_total: %v", err)
	}
	eventsRejected, err = meter.Int64Counter(
		"ecoagent_stream_events_rejected_total",
		otelmetric.WithDescription("Job events dropped for failing envelope or schema validation"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: ecoagent_stream_events_rejected_total: %v", err)
	}
	backlogQueued, err = meter.Int64Gauge(
		"ecoagent_stream_backlog_queued",
		otelmetric.WithDescription("Job requests not yet delivered to any worker"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: ecoagent_stream_backlog_queued: %v", err)
	}
	backlogInFlight, err = meter.Int64Gauge(
		"ecoagent_stream_backlog_in_flight",
		otelmetric.WithDescription("Job requests delivered but not yet acked"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: ecoagent_stream_backlog_in_flight: %v", err)
	}
	backlogOldest, err = meter.Float64Gauge(
		"ecoagent_stream_backlog_oldest_in_flight_seconds",
		otelmetric.WithDescription("Idle time of the oldest unacked job request"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: ecoagent_stream_backlog_oldest_in_flight_seconds: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsPublished != nil {
		eventsPublished.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordConsumed(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsConsumed != nil {
		eventsConsumed.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}

func recordRejected(ctx context.Context, eventType, stage string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsRejected != nil {
		eventsRejected.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("stage", stage),
		))
	}
}

func recordBacklog(ctx context.Context, stream string, b Backlog) {
	streamMetricsOnce.Do(initStreamMetrics)
	ctx = contextOrBackground(ctx)
	attrs := otelmetric.WithAttributes(attribute.String("stream", stream))
	if backlogQueued != nil && b.Queued >= 0 {
		backlogQueued.Record(ctx, b.Queued, attrs)
	}
	if backlogInFlight != nil {
		backlogInFlight.Record(ctx, b.InFlight, attrs)
	}
	if backlogOldest != nil {
		backlogOldest.Record(ctx, b.OldestInFlight.Seconds(), attrs)
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
