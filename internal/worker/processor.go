package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Claimer records processed request keys so redelivered events are not run twice.
type Claimer interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
}

// Jobs is the orchestrator surface the worker drives.
type Jobs interface {
	Submit(ctx context.Context, req core.JobRequest) (string, error)
	Wait(ctx context.Context, id string) (core.JobResult, error)
}

// Source is the consumer-group view of the request stream.
type Source interface {
	Stream() string
	Read(ctx context.Context, block time.Duration, count int64) ([]streams.Message, error)
	Ack(ctx context.Context, ids ...string) error
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]streams.Message, error)
}

// Options tune the read loop.
type Options struct {
	MaxInFlight int64
	Block       time.Duration
	ReclaimIdle time.Duration
}

func (o Options) normalize() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.ReclaimIdle <= 0 {
		o.ReclaimIdle = time.Minute
	}
	return o
}

// Processor turns jobs.requested events into orchestrator jobs, holding at most
// MaxInFlight jobs open so the backlog stays in the stream.
type Processor struct {
	logger   *log.Logger
	claims   Claimer
	jobs     Jobs
	consumer Source
	opts     Options
	slots    *semaphore.Weighted
	tracer   trace.Tracer

	submitted otelmetric.Int64Counter
	skipped   otelmetric.Int64Counter
	rejected  otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. claims may be nil when no store is configured.
func NewProcessor(logger *log.Logger, claims Claimer, jobs Jobs, consumer Source, opts Options) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	opts = opts.normalize()
	proc := &Processor{
		logger:   logger,
		claims:   claims,
		jobs:     jobs,
		consumer: consumer,
		opts:     opts,
		slots:    semaphore.NewWeighted(opts.MaxInFlight),
		tracer:   otel.Tracer("ecoagent/internal/worker"),
	}
	meter := otel.Meter("ecoagent/internal/worker")
	var err error
	proc.submitted, err = meter.Int64Counter("ecoagent_worker_jobs_submitted_total")
	if err != nil {
		logger.Printf("warn: create submitted counter failed: %v", err)
	}
	proc.skipped, err = meter.Int64Counter("ecoagent_worker_duplicates_skipped_total")
	if err != nil {
		logger.Printf("warn: create skipped counter failed: %v", err)
	}
	proc.rejected, err = meter.Int64Counter("ecoagent_worker_requests_rejected_total")
	if err != nil {
		logger.Printf("warn: create rejected counter failed: %v", err)
	}
	return proc
}

// Start blocks, processing requests until ctx is cancelled. Jobs already
// submitted keep running; see Drain.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.consumer.Stream())
	p.reclaim(ctx)
	for {
		if ctx.Err() != nil {
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		}
		msgs, err := p.consumer.Read(ctx, p.opts.Block, p.opts.MaxInFlight)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			_ = sleepCtx(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := p.slots.Acquire(ctx, 1); err != nil {
				// unacked messages are redelivered to the next reader
				break
			}
			p.process(ctx, msg)
		}
	}
}

// Drain waits until every job the processor submitted is terminal.
func (p *Processor) Drain(ctx context.Context) error {
	if err := p.slots.Acquire(ctx, p.opts.MaxInFlight); err != nil {
		return err
	}
	p.slots.Release(p.opts.MaxInFlight)
	return nil
}

// reclaim takes over requests a crashed worker read but never acked.
func (p *Processor) reclaim(ctx context.Context) {
	msgs, err := p.consumer.Reclaim(ctx, p.opts.ReclaimIdle, p.opts.MaxInFlight)
	if err != nil {
		p.logger.Printf("warn: reclaim pending requests failed: %v", err)
	}
	if len(msgs) > 0 {
		p.logger.Printf("reclaimed %d pending requests", len(msgs))
	}
	for _, msg := range msgs {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return
		}
		p.process(ctx, msg)
	}
}

// process owns one slot and releases it once the job is terminal or was never started.
func (p *Processor) process(ctx context.Context, msg streams.Message) {
	id, err := p.handle(ctx, msg)
	if err != nil {
		p.logger.Printf("error handling request %s: %v", msg.ID, err)
	}
	if err := p.consumer.Ack(ctx, msg.ID); err != nil {
		p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
	}
	if id == "" {
		p.slots.Release(1)
		return
	}
	go func() {
		defer p.slots.Release(1)
		res, err := p.jobs.Wait(context.WithoutCancel(ctx), id)
		if err != nil {
			p.logger.Printf("warn: waiting for job %s: %v", id, err)
			return
		}
		p.logger.Printf("Job %s finished with status %s (%d indicators)", id, res.Status, len(res.Indicators))
	}()
}

// handle submits the request and returns the job id, or "" when nothing was started.
func (p *Processor) handle(ctx context.Context, msg streams.Message) (string, error) {
	ctx, span := p.tracer.Start(ctx, "worker.handle_request", trace.WithAttributes(
		attribute.String("event.id", msg.Envelope.EventID),
	))
	defer span.End()

	var payload streams.JobRequested
	if err := msg.Envelope.Decode(&payload); err != nil {
		p.count(ctx, p.rejected)
		return "", err
	}

	key := payload.IdempotencyKey
	if key == "" {
		key = msg.Envelope.EventID
	}
	if p.claims != nil {
		claimed, err := p.claims.ClaimIdempotency(ctx, streams.EventJobRequested, key)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("claim idempotency: %w", err)
		}
		if !claimed {
			p.logger.Printf("skip request %s: key %q already processed", msg.Envelope.EventID, key)
			p.count(ctx, p.skipped)
			return "", nil
		}
	}

	id, err := p.jobs.Submit(ctx, payload.JobRequest())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, core.ErrInvalidRequest) {
			p.count(ctx, p.rejected)
		}
		return "", fmt.Errorf("submit: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", id))
	p.count(ctx, p.submitted)
	p.logger.Printf("Job %s submitted from event %s", id, msg.Envelope.EventID)
	return id, nil
}

func (p *Processor) count(ctx context.Context, c otelmetric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
