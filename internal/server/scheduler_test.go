package server

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

type memLock struct {
	keys map[string]bool
}

func (m *memLock) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if m.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

type recordingSubmitter struct {
	reqs []core.JobRequest
}

func (r *recordingSubmitter) Submit(ctx context.Context, req core.JobRequest) (string, error) {
	r.reqs = append(r.reqs, req)
	return "job", nil
}

func TestSchedulerFiresDueSchedulesOnce(t *testing.T) {
	clock := time.Date(2024, 5, 6, 7, 59, 0, 0, time.UTC)
	lock := &memLock{keys: map[string]bool{}}
	subA, subB := &recordingSubmitter{}, &recordingSubmitter{}
	cfgs := []config.ScheduleConfig{{Name: "bct-daily", Source: "BCT", Cron: "0 8 * * *", AnalysisMode: "enriched"}}
	quiet := log.New(io.Discard, "", 0)

	// two replicas share one lock
	a, err := NewScheduler(cfgs, subA, lock, quiet)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	b, _ := NewScheduler(cfgs, subB, lock, quiet)
	a.now = func() time.Time { return clock }
	b.now = a.now

	a.tick(context.Background())
	if len(subA.reqs) != 0 {
		t.Fatalf("fired before due time")
	}

	clock = clock.Add(2 * time.Minute)
	a.tick(context.Background())
	b.tick(context.Background())
	if len(subA.reqs)+len(subB.reqs) != 1 {
		t.Fatalf("expected exactly one firing across replicas, got %d+%d", len(subA.reqs), len(subB.reqs))
	}
	req := subA.reqs[0]
	if req.Source != "BCT" || req.AnalysisMode != core.AnalysisEnriched || req.Trigger != "schedule:bct-daily" {
		t.Fatalf("unexpected request %+v", req)
	}

	a.tick(context.Background())
	if len(subA.reqs) != 1 {
		t.Fatalf("schedule must not fire twice for the same slot")
	}

	clock = clock.Add(24 * time.Hour)
	a.tick(context.Background())
	if len(subA.reqs) != 2 {
		t.Fatalf("expected next day's firing, got %d", len(subA.reqs))
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	bad := [][]config.ScheduleConfig{
		{{Name: "x", Source: "BCT", Cron: "not a cron"}},
		{{Name: "", Source: "BCT", Cron: "@daily"}},
		{{Name: "x", Source: "BCT", Cron: "@daily", AnalysisMode: "turbo"}},
	}
	for i, cfgs := range bad {
		if _, err := NewScheduler(cfgs, &recordingSubmitter{}, nil, nil); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
