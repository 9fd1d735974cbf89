package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

// Submitter starts jobs.
type Submitter interface {
	Submit(ctx context.Context, req core.JobRequest) (string, error)
}

// Locker is the redis call used to claim a schedule slot across replicas.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type schedule struct {
	cfg  config.ScheduleConfig
	expr *cronexpr.Expression
	next time.Time // zero until the first tick
}

// Scheduler fires source jobs on cron expressions. Each firing is claimed with
// SETNX so only one replica submits it.
type Scheduler struct {
	jobs      Submitter
	lock      Locker
	logger    *log.Logger
	now       func() time.Time
	schedules []*schedule
	interval  time.Duration
	mu        sync.Mutex
}

// NewScheduler parses every cron expression up front. lock may be nil for single-replica setups.
func NewScheduler(cfgs []config.ScheduleConfig, jobs Submitter, lock Locker, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	s := &Scheduler{jobs: jobs, lock: lock, logger: logger, now: time.Now, interval: 30 * time.Second}
	for _, cfg := range cfgs {
		if cfg.Name == "" || cfg.Source == "" {
			return nil, fmt.Errorf("schedule requires name and source: %+v", cfg)
		}
		if _, err := core.ParseAnalysisMode(cfg.AnalysisMode); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", cfg.Name, err)
		}
		expr, err := cronexpr.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron %q: %w", cfg.Name, cfg.Cron, err)
		}
		s.schedules = append(s.schedules, &schedule{cfg: cfg, expr: expr})
	}
	return s, nil
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.schedules) == 0 {
		return
	}
	s.logger.Printf("scheduler started with %d schedule(s)", len(s.schedules))
	s.tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next time has passed, at most once per tick.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, sc := range s.schedules {
		if sc.next.IsZero() {
			// first tick only arms the schedule
			sc.next = sc.expr.Next(now)
		}
		if sc.next.IsZero() || sc.next.After(now) {
			continue
		}
		due := sc.next
		sc.next = sc.expr.Next(now)
		if s.lock != nil {
			key := fmt.Sprintf("ecoagent:sched:%s:%d", sc.cfg.Name, due.Unix())
			ok, err := s.lock.SetNX(ctx, key, "1", time.Hour).Result()
			if err != nil {
				s.logger.Printf("schedule %s: lock failed: %v", sc.cfg.Name, err)
				continue
			}
			if !ok {
				continue
			}
		}
		req := core.JobRequest{Source: sc.cfg.Source, AnalysisMode: core.AnalysisMode(sc.cfg.AnalysisMode), Trigger: "schedule:" + sc.cfg.Name}
		id, err := s.jobs.Submit(ctx, req)
		if err != nil {
			s.logger.Printf("schedule %s: submit failed: %v", sc.cfg.Name, err)
			continue
		}
		s.logger.Printf("schedule %s fired job %s (source=%s)", sc.cfg.Name, id, sc.cfg.Source)
	}
}
