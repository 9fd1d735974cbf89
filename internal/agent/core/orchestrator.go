package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/ecoagent/internal/budget"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRequest wraps every submission that fails validation.
var ErrInvalidRequest = errors.New("invalid job request")

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Discovery  Discoverer
	Extraction Extractor
	Analysis   Analyzer
	Selector   Selector
	Retry      RetryPolicy
	Aggregator Aggregator
	Sinks      []ResultSink
	Archive    JobArchive
	Clock      budget.Clock
}

func (d Dependencies) validate() error {
	switch {
	case d.Extraction == nil:
		return fmt.Errorf("extraction agent required")
	case d.Selector == nil:
		return fmt.Errorf("strategy selector required")
	case d.Retry == nil:
		return fmt.Errorf("retry policy required")
	case d.Aggregator == nil:
		return fmt.Errorf("aggregator required")
	}
	return nil
}

// Orchestrator admits jobs and drives each one through discovery,
// per-URL extraction and analysis, and aggregation.
type Orchestrator struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	deps      Dependencies
	budget    budget.Config

	jobs map[string]*jobState
	mu   sync.RWMutex

	semaphore   chan struct{}
	identitySeq atomic.Int64

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type jobState struct {
	id         string
	request    JobRequest
	phase      Phase
	tasks      []*UrlTask
	err        *TaskError
	result     *JobResult
	createdAt  time.Time
	startedAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

var orchestratorTracer trace.Tracer = otel.Tracer("ecoagent/internal/agent/orchestrator")

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, deps Dependencies) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = budget.SystemClock
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	bcfg := budget.Config{
		Total:             cfg.Budget.Total,
		DiscoveryShare:    cfg.Budget.DiscoveryShare,
		MinURLTimeout:     cfg.Budget.MinURLTimeout,
		AnalysisThreshold: cfg.Budget.AnalysisThreshold,
	}
	if err := bcfg.Validate(); err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}
	orch := cfg.Orchestration.Normalize()
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		config:    cfg,
		logger:    logger,
		telemetry: tel,
		deps:      deps,
		budget:    bcfg,
		jobs:      make(map[string]*jobState),
		semaphore: make(chan struct{}, orch.MaxConcurrentJobs),
		baseCtx:   base,
		stop:      stop,
	}, nil
}

// Submit validates req, registers a job and starts it in the background.
// The returned id is usable immediately; the job runs independently of ctx.
func (o *Orchestrator) Submit(ctx context.Context, req JobRequest) (string, error) {
	if o.closed.Load() {
		return "", ErrShutdown
	}
	_, span := orchestratorTracer.Start(ctx, "job.submit")
	defer span.End()

	req, err := o.normalizeRequest(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	now := o.deps.Clock.Now()
	jobCtx, cancel := context.WithCancel(o.baseCtx)
	job := &jobState{
		id:        uuid.New().String(),
		request:   req,
		phase:     PhaseQueued,
		createdAt: now,
		updatedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	span.SetAttributes(attribute.String("job.id", job.id), attribute.String("job.source", req.Source), attribute.Int("job.urls", len(req.URLs)))

	o.mu.Lock()
	o.pruneLocked(now)
	o.jobs[job.id] = job
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(jobCtx, job)

	o.logger.Printf("Job %s submitted (source=%q urls=%d mode=%s)", job.id, req.Source, len(req.URLs), req.AnalysisMode)
	return job.id, nil
}

func (o *Orchestrator) normalizeRequest(req JobRequest) (JobRequest, error) {
	mode, err := ParseAnalysisMode(string(req.AnalysisMode))
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.AnalysisMode = mode
	req.Source = strings.TrimSpace(req.Source)
	if err := req.Validate(o.config.Orchestration.Normalize().MaxURLsPerJob); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	seen := make(map[string]struct{}, len(req.URLs))
	urls := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		u := strings.TrimSpace(raw)
		if !helpers.IsHTTPURL(u) {
			return req, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidRequest, raw)
		}
		if !o.config.CrawlPolicy.Permits(u) {
			return req, fmt.Errorf("%w: %q is disallowed by crawl policy", ErrInvalidRequest, raw)
		}
		key := u
		if canonical, err := helpers.CanonicalURL(u); err == nil {
			key = canonical
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		urls = append(urls, u)
	}
	req.URLs = urls
	return req, nil
}

// Status returns a point-in-time view of the job.
func (o *Orchestrator) Status(ctx context.Context, id string) (JobSnapshot, error) {
	o.mu.RLock()
	job, ok := o.jobs[id]
	if ok {
		snap := job.snapshotLocked()
		o.mu.RUnlock()
		return snap, nil
	}
	o.mu.RUnlock()

	rec, err := o.archived(ctx, id)
	if err != nil {
		return JobSnapshot{}, err
	}
	return rec.Snapshot(), nil
}

// Result returns the aggregated result of a terminal job, or ErrNotReady.
// Repeated calls return the same result.
func (o *Orchestrator) Result(ctx context.Context, id string) (JobResult, error) {
	o.mu.RLock()
	job, ok := o.jobs[id]
	if ok {
		defer o.mu.RUnlock()
		if job.result == nil {
			return JobResult{}, ErrNotReady
		}
		return *job.result, nil
	}
	o.mu.RUnlock()

	rec, err := o.archived(ctx, id)
	if err != nil {
		return JobResult{}, err
	}
	return rec.Result, nil
}

func (o *Orchestrator) archived(ctx context.Context, id string) (JobRecord, error) {
	if o.deps.Archive == nil {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	rec, err := o.deps.Archive.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return JobRecord{}, err
	}
	return rec, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (JobResult, error) {
	o.mu.RLock()
	job, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return o.Result(ctx, id)
	}
	select {
	case <-job.done:
		return o.Result(ctx, id)
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// Cancel stops a running job. Pending URL tasks end as skipped and the job
// still produces a result.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.RLock()
	job, ok := o.jobs[id]
	var terminal bool
	if ok {
		terminal = job.phase.IsTerminal()
	}
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if terminal {
		return ErrJobFinished
	}
	o.logger.Printf("Job %s cancellation requested", id)
	job.cancel()
	return nil
}

// List returns jobs newest first, merging in-memory jobs with the archive.
func (o *Orchestrator) List(ctx context.Context, filter JobFilter) ([]JobSnapshot, error) {
	o.mu.RLock()
	out := make([]JobSnapshot, 0, len(o.jobs))
	seen := make(map[string]struct{}, len(o.jobs))
	for id, job := range o.jobs {
		seen[id] = struct{}{}
		snap := job.snapshotLocked()
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		out = append(out, snap)
	}
	o.mu.RUnlock()

	if o.deps.Archive != nil {
		recs, err := o.deps.Archive.ListJobs(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			out = append(out, rec.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Shutdown cancels running jobs and waits for them to finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPerformanceMetrics summarises in-memory jobs and telemetry.
func (o *Orchestrator) GetPerformanceMetrics() map[string]interface{} {
	o.mu.RLock()
	byStatus := make(map[JobStatus]int)
	for _, job := range o.jobs {
		byStatus[job.phase.Status()]++
	}
	o.mu.RUnlock()

	out := map[string]interface{}{
		"jobs":        byStatus,
		"active_jobs": len(o.semaphore),
		"capacity":    cap(o.semaphore),
	}
	if o.telemetry != nil {
		out["metrics"] = o.telemetry.GetMetrics()
		out["report"] = o.telemetry.GetPerformanceReport()
	}
	return out
}

func (o *Orchestrator) pruneLocked(now time.Time) {
	retention := o.config.Orchestration.Normalize().JobRetention
	for id, job := range o.jobs {
		if job.phase.IsTerminal() && now.Sub(job.finishedAt) > retention {
			delete(o.jobs, id)
		}
	}
}

func (o *Orchestrator) setPhase(job *jobState, to Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ValidateTransition(job.phase, to); err != nil {
		return err
	}
	job.phase = to
	job.updatedAt = o.deps.Clock.Now()
	return nil
}

func (o *Orchestrator) updateTask(job *jobState, task *UrlTask, fn func(t *UrlTask)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task.State.Terminal() {
		return
	}
	fn(task)
	job.updatedAt = o.deps.Clock.Now()
}

func (j *jobState) snapshotLocked() JobSnapshot {
	snap := JobSnapshot{
		JobID:        j.id,
		Status:       j.phase.Status(),
		Phase:        j.phase,
		Source:       j.request.Source,
		AnalysisMode: j.request.AnalysisMode,
		Error:        j.err,
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
		PerURL:       make([]UrlStatus, 0, len(j.tasks)),
	}
	for _, t := range j.tasks {
		snap.PerURL = append(snap.PerURL, UrlStatus{URL: t.URL, State: t.State, Attempts: t.Attempts, Strategy: t.Strategy, Error: t.Error})
	}
	return snap
}

func (o *Orchestrator) run(ctx context.Context, job *jobState) {
	defer o.wg.Done()
	defer close(job.done)
	defer job.cancel()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		o.finalize(ctx, job, nil, taskError(KindCanceled, errors.New("canceled before admission")))
		return
	}

	ctx, span := orchestratorTracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", job.id),
		attribute.String("job.source", job.request.Source),
		attribute.String("job.analysis_mode", string(job.request.AnalysisMode)),
	))
	defer span.End()

	coord := budget.NewCoordinator(o.budget, o.deps.Clock)
	o.mu.Lock()
	job.startedAt = o.deps.Clock.Now()
	o.mu.Unlock()
	o.mustPhase(job, PhaseAdmitted)

	urls := job.request.URLs
	if job.request.HasSource() {
		o.mustPhase(job, PhaseDiscovering)
		resolved, terr := o.discover(ctx, job, coord)
		if terr != nil {
			span.SetStatus(codes.Error, terr.Message)
			o.finalize(ctx, job, nil, terr)
			return
		}
		urls = resolved
	}

	o.mustPhase(job, PhaseDispatching)
	tasks := make([]*UrlTask, len(urls))
	for i, u := range urls {
		tasks[i] = &UrlTask{URL: u, State: UrlPending}
	}
	o.mu.Lock()
	job.tasks = tasks
	o.mu.Unlock()
	coord.StartDispatch(len(tasks))

	o.mustPhase(job, PhaseCollecting)
	domains := newDomainLedger()
	g := new(errgroup.Group)
	g.SetLimit(o.config.Orchestration.Normalize().WorkerConcurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			o.runTask(ctx, job, task, coord, domains)
			return nil
		})
	}
	_ = g.Wait()
	elapsed, total := coord.Usage()
	o.logger.Printf("Job %s collected %d urls using %v of %v budget", job.id, len(tasks), elapsed.Round(time.Millisecond), total)

	o.finalize(ctx, job, tasks, nil)
}

func (o *Orchestrator) mustPhase(job *jobState, to Phase) {
	if err := o.setPhase(job, to); err != nil {
		o.logger.Printf("Job %s: %v", job.id, err)
	}
}

func (o *Orchestrator) discover(ctx context.Context, job *jobState, coord *budget.Coordinator) ([]string, *TaskError) {
	if o.deps.Discovery == nil {
		return nil, &TaskError{Kind: KindDiscoveryFailure, Message: "discovery agent not configured"}
	}
	slice := coord.DiscoverySlice()
	dctx, cancel := context.WithTimeout(ctx, slice)
	defer cancel()
	dctx, span := orchestratorTracer.Start(dctx, "job.discover", trace.WithAttributes(attribute.String("job.source", job.request.Source)))
	defer span.End()

	start := o.deps.Clock.Now()
	urls, err := o.deps.Discovery.Discover(dctx, job.request.Source, o.config.Orchestration.Normalize().MaxURLsPerJob)
	o.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		JobID:     job.id,
		AgentType: "discovery",
		Duration:  o.deps.Clock.Now().Sub(start),
		Success:   err == nil && len(urls) > 0,
	})
	if err != nil {
		span.RecordError(err)
		kind, ok := KindOf(err)
		if !ok || !kind.JobFatal() {
			kind = KindDiscoveryFailure
		}
		if ctx.Err() != nil {
			return nil, taskError(KindCanceled, ctx.Err())
		}
		o.logger.Printf("Job %s discovery failed: %v", job.id, err)
		return nil, taskError(kind, err)
	}
	if len(urls) == 0 {
		return nil, &TaskError{Kind: KindNoURLsResolved, Message: fmt.Sprintf("source %q resolved to no urls", job.request.Source)}
	}
	o.logger.Printf("Job %s discovery resolved %d urls in %v", job.id, len(urls), o.deps.Clock.Now().Sub(start))
	return urls, nil
}

// finalize aggregates exactly once and hands the record to every sink.
func (o *Orchestrator) finalize(ctx context.Context, job *jobState, tasks []*UrlTask, fatal *TaskError) {
	o.mu.Lock()
	if job.result != nil {
		o.mu.Unlock()
		return
	}
	snapshot := make([]UrlTask, len(tasks))
	for i, t := range tasks {
		snapshot[i] = *t
	}
	o.mu.Unlock()

	status := JobFailed
	var agg Aggregation
	if fatal == nil {
		o.mustPhase(job, PhaseFinalizing)
		agg = o.deps.Aggregator.Aggregate(snapshot)
		status = ResolveStatus(snapshot)
	}
	now := o.deps.Clock.Now()

	o.mu.Lock()
	job.phase = PhaseForStatus(status)
	job.err = fatal
	job.finishedAt = now
	job.updatedAt = now
	job.result = &JobResult{
		JobID:      job.id,
		Status:     status,
		Indicators: agg.Indicators,
		Provenance: agg.Provenance,
		Stats:      agg.Stats,
		Error:      fatal,
		CreatedAt:  job.createdAt,
		FinishedAt: now,
	}
	record := JobRecord{
		ID:         job.id,
		Request:    job.request,
		Status:     status,
		Error:      fatal,
		Tasks:      snapshot,
		Result:     *job.result,
		CreatedAt:  job.createdAt,
		StartedAt:  job.startedAt,
		FinishedAt: now,
	}
	o.mu.Unlock()

	errMsg := ""
	if fatal != nil {
		errMsg = fatal.Message
	}
	o.telemetry.RecordJobEvent(ctx, telemetry.JobEvent{
		ID:        job.id,
		Source:    job.request.Source,
		URLs:      len(snapshot),
		Status:    string(status),
		StartTime: job.createdAt,
		EndTime:   now,
		Error:     errMsg,
	})
	o.logger.Printf("Job %s finished: status=%s urls=%d indicators=%d", job.id, status, len(snapshot), len(agg.Indicators))

	sinkCtx := context.WithoutCancel(ctx)
	for _, sink := range o.deps.Sinks {
		if err := sink.Consume(sinkCtx, record); err != nil {
			o.logger.Printf("Job %s: sink %s failed: %v", job.id, sink.Name(), err)
		}
	}
}

// domainLedger counts extraction failures per domain within one job.
type domainLedger struct {
	mu       sync.Mutex
	failures map[string]int
}

func newDomainLedger() *domainLedger {
	return &domainLedger{failures: make(map[string]int)}
}

func (d *domainLedger) fail(domain string) {
	d.mu.Lock()
	d.failures[domain]++
	d.mu.Unlock()
}

func (d *domainLedger) count(domain string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[domain]
}
