package telemetry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Telemetry keeps in-process job, URL and agent statistics and mirrors
// the counters to the global OpenTelemetry meter.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	mu      sync.RWMutex
	stop    chan struct{}
	once    sync.Once
}

// Metrics holds the aggregated counters.
type Metrics struct {
	// Job metrics
	TotalJobs      int64
	CompletedJobs  int64
	PartialJobs    int64
	FailedJobs     int64
	AverageJobTime time.Duration

	// URL metrics
	URLStates     map[string]int64
	StrategyUsage map[string]int64
	ErrorKinds    map[string]int64
	EnrichedURLs  int64
	TotalAttempts int64

	// Agent metrics
	AgentExecutions map[string]int64
	AgentSuccesses  map[string]int64
	AgentTotalTime  map[string]time.Duration

	// Domain metrics
	DomainRequests  map[string]int64
	DomainSuccesses map[string]int64
	DomainTotalTime map[string]time.Duration
}

// JobEvent describes one terminal job.
type JobEvent struct {
	ID        string
	Source    string
	URLs      int
	Status    string
	StartTime time.Time
	EndTime   time.Time
	Error     string
}

// URLEvent describes one terminal URL task.
type URLEvent struct {
	JobID     string
	URL       string
	Domain    string
	State     string
	Strategy  string
	Attempts  int
	ErrorKind string
	Enriched  bool
	Duration  time.Duration
}

// AgentEvent describes a single agent call.
type AgentEvent struct {
	JobID     string
	AgentType string
	Duration  time.Duration
	Success   bool
	ErrorKind string
}

type instruments struct {
	jobs     metric.Int64Counter
	urls     metric.Int64Counter
	attempts metric.Int64Counter
	agentDur metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

func otelInstruments() instruments {
	instOnce.Do(func() {
		meter := otel.Meter("ecoagent/internal/agent/telemetry")
		inst.jobs, _ = meter.Int64Counter("ecoagent_jobs_total", metric.WithDescription("Terminal jobs by status"))
		inst.urls, _ = meter.Int64Counter("ecoagent_url_tasks_total", metric.WithDescription("Terminal URL tasks by state"))
		inst.attempts, _ = meter.Int64Counter("ecoagent_extraction_attempts_total", metric.WithDescription("Extraction attempts by strategy"))
		inst.agentDur, _ = meter.Float64Histogram("ecoagent_agent_duration_seconds", metric.WithDescription("Agent call latency"))
	})
	return inst
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			URLStates:       make(map[string]int64),
			StrategyUsage:   make(map[string]int64),
			ErrorKinds:      make(map[string]int64),
			AgentExecutions: make(map[string]int64),
			AgentSuccesses:  make(map[string]int64),
			AgentTotalTime:  make(map[string]time.Duration),
			DomainRequests:  make(map[string]int64),
			DomainSuccesses: make(map[string]int64),
			DomainTotalTime: make(map[string]time.Duration),
		},
		stop: make(chan struct{}),
	}
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsCollection()
	}
	return t
}

// RecordJobEvent records a terminal job.
func (t *Telemetry) RecordJobEvent(ctx context.Context, event JobEvent) {
	if t == nil || !t.config.Enabled {
		return
	}
	duration := event.EndTime.Sub(event.StartTime)

	t.mu.Lock()
	t.metrics.TotalJobs++
	switch event.Status {
	case "completed":
		t.metrics.CompletedJobs++
	case "partial":
		t.metrics.PartialJobs++
	default:
		t.metrics.FailedJobs++
	}
	if t.metrics.TotalJobs == 1 {
		t.metrics.AverageJobTime = duration
	} else {
		total := t.metrics.AverageJobTime * time.Duration(t.metrics.TotalJobs-1)
		t.metrics.AverageJobTime = (total + duration) / time.Duration(t.metrics.TotalJobs)
	}
	t.mu.Unlock()

	otelInstruments().jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", event.Status)))
	t.logger.Printf("Job Event: ID=%s, Status=%s, URLs=%d, Duration=%v, Error=%q",
		event.ID, event.Status, event.URLs, duration, event.Error)
}

// RecordURLEvent records a terminal URL task.
func (t *Telemetry) RecordURLEvent(ctx context.Context, event URLEvent) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.URLStates[event.State]++
	t.metrics.TotalAttempts += int64(event.Attempts)
	if event.Strategy != "" {
		t.metrics.StrategyUsage[event.Strategy]++
	}
	if event.ErrorKind != "" {
		t.metrics.ErrorKinds[event.ErrorKind]++
	}
	if event.Enriched {
		t.metrics.EnrichedURLs++
	}
	if event.Domain != "" {
		t.metrics.DomainRequests[event.Domain]++
		t.metrics.DomainTotalTime[event.Domain] += event.Duration
		if event.State == "succeeded" {
			t.metrics.DomainSuccesses[event.Domain]++
		}
	}
	t.mu.Unlock()

	i := otelInstruments()
	i.urls.Add(ctx, 1, metric.WithAttributes(attribute.String("state", event.State), attribute.String("error_kind", event.ErrorKind)))
	if event.Strategy != "" {
		i.attempts.Add(ctx, int64(event.Attempts), metric.WithAttributes(attribute.String("strategy", event.Strategy)))
	}
}

// RecordAgentEvent records an agent execution.
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.AgentExecutions[event.AgentType]++
	t.metrics.AgentTotalTime[event.AgentType] += event.Duration
	if event.Success {
		t.metrics.AgentSuccesses[event.AgentType]++
	}
	t.mu.Unlock()

	otelInstruments().agentDur.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(
		attribute.String("agent", event.AgentType),
		attribute.Bool("success", event.Success),
	))
}

// GetMetrics returns a deep copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := *t.metrics
	m.URLStates = copyCounts(t.metrics.URLStates)
	m.StrategyUsage = copyCounts(t.metrics.StrategyUsage)
	m.ErrorKinds = copyCounts(t.metrics.ErrorKinds)
	m.AgentExecutions = copyCounts(t.metrics.AgentExecutions)
	m.AgentSuccesses = copyCounts(t.metrics.AgentSuccesses)
	m.DomainRequests = copyCounts(t.metrics.DomainRequests)
	m.DomainSuccesses = copyCounts(t.metrics.DomainSuccesses)
	m.AgentTotalTime = copyDurations(t.metrics.AgentTotalTime)
	m.DomainTotalTime = copyDurations(t.metrics.DomainTotalTime)
	return m
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDurations(in map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SuccessRate returns successes/executions, or zero when nothing ran.
func SuccessRate(successes, executions int64) float64 {
	if executions == 0 {
		return 0
	}
	return float64(successes) / float64(executions)
}

func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m := t.GetMetrics()
			t.logger.Printf("Metrics Snapshot: Jobs=%d (completed=%d partial=%d failed=%d), AvgTime=%v, URLs=%v",
				m.TotalJobs, m.CompletedJobs, m.PartialJobs, m.FailedJobs, m.AverageJobTime, m.URLStates)
		case <-t.stop:
			return
		}
	}
}

// Shutdown stops periodic logging and prints a final report.
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
	m := t.GetMetrics()
	t.logger.Println("Shutting down telemetry system...")
	t.logger.Printf("Final Report: Jobs=%d, Completed=%.2f%%, AvgTime=%v",
		m.TotalJobs, SuccessRate(m.CompletedJobs, m.TotalJobs)*100, m.AverageJobTime)
}

// GetPerformanceReport renders the metrics as text.
func (t *Telemetry) GetPerformanceReport() string {
	m := t.GetMetrics()
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== PERFORMANCE REPORT ===\nJobs:\n  Total: %d\n  Completed: %d (%.2f%%)\n  Partial: %d\n  Failed: %d\n  Average Job Time: %v\n",
		m.TotalJobs, m.CompletedJobs, SuccessRate(m.CompletedJobs, m.TotalJobs)*100, m.PartialJobs, m.FailedJobs, m.AverageJobTime)

	b.WriteString("\nURL Tasks:\n")
	for _, k := range sortedKeys(m.URLStates) {
		fmt.Fprintf(&b, "  %s: %d\n", k, m.URLStates[k])
	}
	fmt.Fprintf(&b, "  attempts: %d, enriched: %d\n", m.TotalAttempts, m.EnrichedURLs)

	b.WriteString("\nStrategies:\n")
	for _, k := range sortedKeys(m.StrategyUsage) {
		fmt.Fprintf(&b, "  %s: %d\n", k, m.StrategyUsage[k])
	}

	b.WriteString("\nError Kinds:\n")
	for _, k := range sortedKeys(m.ErrorKinds) {
		fmt.Fprintf(&b, "  %s: %d\n", k, m.ErrorKinds[k])
	}

	b.WriteString("\nAgent Performance:\n")
	for _, k := range sortedKeys(m.AgentExecutions) {
		n := m.AgentExecutions[k]
		fmt.Fprintf(&b, "  %s: %d executions, %.2f%% success, %v avg time\n",
			k, n, SuccessRate(m.AgentSuccesses[k], n)*100, m.AgentTotalTime[k]/time.Duration(n))
	}

	b.WriteString("\nDomain Performance:\n")
	for _, k := range sortedKeys(m.DomainRequests) {
		n := m.DomainRequests[k]
		fmt.Fprintf(&b, "  %s: %d tasks, %.2f%% success, %v avg time\n",
			k, n, SuccessRate(m.DomainSuccesses[k], n)*100, m.DomainTotalTime[k]/time.Duration(n))
	}
	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
