package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
)

type fakeSource struct {
	mu      sync.Mutex
	queue   []streams.Message
	pending []streams.Message
	acked   []string
}

func (f *fakeSource) Stream() string { return streams.EventJobRequested }

func (f *fakeSource) Read(ctx context.Context, block time.Duration, count int64) ([]streams.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		msgs := f.queue
		f.queue = nil
		f.mu.Unlock()
		return msgs, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) Ack(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeSource) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]streams.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.pending
	f.pending = nil
	return msgs, nil
}

func (f *fakeSource) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

type fakeJobs struct {
	mu       sync.Mutex
	requests []core.JobRequest
	release  chan struct{}
}

func (f *fakeJobs) Submit(ctx context.Context, req core.JobRequest) (string, error) {
	if req.Source == "bad" {
		return "", fmt.Errorf("%w: unknown source", core.ErrInvalidRequest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return fmt.Sprintf("job-%d", len(f.requests)), nil
}

func (f *fakeJobs) Wait(ctx context.Context, id string) (core.JobResult, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return core.JobResult{}, ctx.Err()
		}
	}
	return core.JobResult{JobID: id, Status: core.JobCompleted}, nil
}

func (f *fakeJobs) submitted() []core.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.JobRequest(nil), f.requests...)
}

type memClaims struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memClaims) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[scope+"/"+key] {
		return false, nil
	}
	m.keys[scope+"/"+key] = true
	return true, nil
}

func request(t *testing.T, id string, payload streams.JobRequested) streams.Message {
	t.Helper()
	env, err := streams.NewEnvelope(streams.EventJobRequested, streams.PayloadV1, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return streams.Message{ID: id, Envelope: env}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestProcessorSubmitsClaimsAndAcks(t *testing.T) {
	src := &fakeSource{
		queue: []streams.Message{
			request(t, "1-0", streams.JobRequested{Source: "BCT", AnalysisMode: "standard", IdempotencyKey: "bct-2024-03"}),
			request(t, "2-0", streams.JobRequested{URLs: []string{"https://www.ins.tn/"}, IdempotencyKey: "bct-2024-03"}),
			request(t, "3-0", streams.JobRequested{Source: "bad"}),
		},
		pending: []streams.Message{
			request(t, "0-1", streams.JobRequested{Source: "INS", AnalysisMode: "none", Trigger: "schedule"}),
		},
	}
	jobs := &fakeJobs{}
	proc := NewProcessor(quietLogger(), &memClaims{}, jobs, src, Options{MaxInFlight: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Start(ctx) }()
	waitFor(t, "all messages acked", func() bool { return src.ackCount() == 4 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start returned %v", err)
	}
	if err := proc.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got := jobs.submitted()
	if len(got) != 2 {
		t.Fatalf("expected 2 submissions, got %+v", got)
	}
	if got[0].Source != "INS" || got[0].Trigger != "schedule" {
		t.Fatalf("reclaimed request should run first with its trigger, got %+v", got[0])
	}
	if got[1].Source != "BCT" || got[1].Trigger != "queue" || got[1].AnalysisMode != core.AnalysisStandard {
		t.Fatalf("unexpected second submission %+v", got[1])
	}
}

func TestProcessorBoundsInFlightJobs(t *testing.T) {
	src := &fakeSource{queue: []streams.Message{
		request(t, "1-0", streams.JobRequested{Source: "BCT"}),
		request(t, "2-0", streams.JobRequested{Source: "INS"}),
	}}
	jobs := &fakeJobs{release: make(chan struct{})}
	proc := NewProcessor(quietLogger(), nil, jobs, src, Options{MaxInFlight: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = proc.Start(ctx) }()

	waitFor(t, "first submission", func() bool { return len(jobs.submitted()) == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := len(jobs.submitted()); n != 1 {
		t.Fatalf("second job must wait for a free slot, got %d submissions", n)
	}
	close(jobs.release)
	waitFor(t, "second submission", func() bool { return len(jobs.submitted()) == 2 })

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := proc.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestHandleRejectsUndecodablePayload(t *testing.T) {
	proc := NewProcessor(quietLogger(), nil, &fakeJobs{}, &fakeSource{}, Options{})
	msg := streams.Message{ID: "1-0", Envelope: streams.Envelope{EventID: "e", EventType: streams.EventJobRequested, PayloadVersion: "v1", Data: []byte(`[1,2]`)}}
	id, err := proc.handle(context.Background(), msg)
	if err == nil || id != "" {
		t.Fatalf("expected decode failure, got id=%q err=%v", id, err)
	}
}
