package core

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/ecoagent/internal/budget"
	"github.com/mohammad-safakhou/ecoagent/internal/helpers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runTask drives one URL through extraction retries and optional analysis.
// The task reaches exactly one terminal state and the coordinator is told once.
func (o *Orchestrator) runTask(ctx context.Context, job *jobState, task *UrlTask, coord *budget.Coordinator, domains *domainLedger) {
	ctx, span := orchestratorTracer.Start(ctx, "job.url", trace.WithAttributes(
		attribute.String("job.id", job.id),
		attribute.String("url", task.URL),
	))
	defer span.End()

	start := o.deps.Clock.Now()
	domain := helpers.Domain(task.URL)
	defer coord.Complete()

	o.updateTask(job, task, func(t *UrlTask) {
		t.State = UrlRunning
		t.StartedAt = start
	})

	history := History{URL: task.URL, IdentitySeed: int(o.identitySeq.Add(1) - 1)}
	maxAttempts := o.deps.Retry.MaxAttempts()
	var (
		result  ExtractionResult
		lastErr *TaskError
		ok      bool
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			o.finishTask(ctx, job, task, domain, UrlSkipped, withLast(taskError(KindCanceled, ctx.Err()), lastErr))
			return
		}
		slice, err := coord.Slice()
		if err != nil {
			o.finishTask(ctx, job, task, domain, UrlSkipped, withLast(taskError(KindBudgetExhausted, err), lastErr))
			return
		}
		history.Attempts = attempt
		history.DomainFailures = domains.count(domain)
		history.Slice = slice
		decision := o.deps.Selector.Select(task.URL, history)
		decision.Attempt = attempt + 1

		o.updateTask(job, task, func(t *UrlTask) {
			t.Attempts = attempt + 1
			t.Strategy = decision.Strategy
		})

		attemptStart := o.deps.Clock.Now()
		res, err := o.deps.Extraction.Extract(ctx, task.URL, decision, decision.Timeout)
		o.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
			JobID:     job.id,
			AgentType: "extraction." + string(decision.Strategy),
			Duration:  o.deps.Clock.Now().Sub(attemptStart),
			Success:   err == nil,
			ErrorKind: errorKindString(err),
		})
		if err == nil {
			result, ok = res, true
			break
		}
		if ctx.Err() != nil {
			o.finishTask(ctx, job, task, domain, UrlSkipped, withLast(taskError(KindCanceled, ctx.Err()), taskError(extractionKind(err), err)))
			return
		}

		kind := extractionKind(err)
		lastErr = taskError(kind, err)
		domains.fail(domain)
		history.LastKind = kind
		history.LastStrategy = decision.Strategy
		history.LastIdentity = decision.Identity.Name
		o.updateTask(job, task, func(t *UrlTask) { t.Error = lastErr })

		if !o.deps.Retry.Retryable(kind) || attempt == maxAttempts-1 {
			break
		}
		delay := o.deps.Retry.Delay(attempt+1, kind)
		o.logger.Printf("Job %s: %s attempt %d failed (%s), retrying in %v", job.id, task.URL, attempt+1, kind, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			o.finishTask(ctx, job, task, domain, UrlSkipped, withLast(taskError(KindCanceled, err), lastErr))
			return
		}
	}

	if !ok {
		span.SetStatus(codes.Error, lastErr.Message)
		o.finishTask(ctx, job, task, domain, UrlFailed, lastErr)
		return
	}

	o.updateTask(job, task, func(t *UrlTask) {
		r := result
		t.Extraction = &r
		t.Error = nil
	})
	o.analyze(ctx, job, task, result, coord)
	o.finishTask(ctx, job, task, domain, UrlSucceeded, nil)
}

// analyze never changes the task outcome: failures only drop enrichment.
func (o *Orchestrator) analyze(ctx context.Context, job *jobState, task *UrlTask, result ExtractionResult, coord *budget.Coordinator) {
	mode := job.request.AnalysisMode
	if mode == AnalysisNone || o.deps.Analysis == nil {
		return
	}
	if !coord.AllowAnalysis() {
		o.updateTask(job, task, func(t *UrlTask) {
			t.Error = &TaskError{Kind: KindBudgetExhausted, Message: "analysis skipped: remaining budget below threshold"}
		})
		return
	}

	start := o.deps.Clock.Now()
	analysis, err := o.deps.Analysis.Analyze(ctx, result, mode, o.config.Analysis.Normalize().Timeout)
	o.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		JobID:     job.id,
		AgentType: "analysis." + string(mode),
		Duration:  o.deps.Clock.Now().Sub(start),
		Success:   err == nil,
		ErrorKind: errorKindString(err),
	})
	if err != nil {
		kind, known := KindOf(err)
		if !known || !kind.Analysis() {
			kind = KindAnalysisServiceError
		}
		o.logger.Printf("Job %s: analysis of %s failed: %v", job.id, task.URL, err)
		o.updateTask(job, task, func(t *UrlTask) {
			t.Error = taskError(kind, err)
			t.Enriched = false
		})
		return
	}
	o.updateTask(job, task, func(t *UrlTask) {
		t.Analysis = analysis
		t.Enriched = analysis != nil && analysis.Enriched
	})
}

func (o *Orchestrator) finishTask(ctx context.Context, job *jobState, task *UrlTask, domain string, state UrlState, terr *TaskError) {
	now := o.deps.Clock.Now()
	var event telemetry.URLEvent
	o.mu.Lock()
	if !task.State.Terminal() {
		task.State = state
		if terr != nil {
			task.Error = terr
		}
		task.FinishedAt = now
		job.updatedAt = now
	}
	event = telemetry.URLEvent{
		JobID:    job.id,
		URL:      task.URL,
		Domain:   domain,
		State:    string(task.State),
		Strategy: string(task.Strategy),
		Attempts: task.Attempts,
		Enriched: task.Enriched,
		Duration: now.Sub(task.StartedAt),
	}
	if task.Error != nil {
		event.ErrorKind = string(task.Error.Kind)
	}
	o.mu.Unlock()
	o.telemetry.RecordURLEvent(ctx, event)
}

func extractionKind(err error) ErrorKind {
	if kind, ok := KindOf(err); ok && kind.Extraction() {
		return kind
	}
	return KindUnreachable
}

func errorKindString(err error) string {
	if err == nil {
		return ""
	}
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	return "unknown"
}

// withLast appends the last extraction error to a terminal skip reason.
func withLast(reason, last *TaskError) *TaskError {
	if last == nil {
		return reason
	}
	return &TaskError{Kind: reason.Kind, Message: fmt.Sprintf("%s (last error %s: %s)", reason.Message, last.Kind, last.Message)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
