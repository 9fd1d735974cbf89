package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
)

func TestRecordEventsAggregates(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{Enabled: true})
	defer tel.Shutdown()
	ctx := context.Background()
	start := time.Now()

	tel.RecordJobEvent(ctx, JobEvent{ID: "a", Status: "completed", StartTime: start, EndTime: start.Add(2 * time.Second)})
	tel.RecordJobEvent(ctx, JobEvent{ID: "b", Status: "partial", StartTime: start, EndTime: start.Add(4 * time.Second)})
	tel.RecordURLEvent(ctx, URLEvent{JobID: "a", Domain: "bct.gov.tn", State: "succeeded", Strategy: "rendering", Attempts: 2, Enriched: true})
	tel.RecordURLEvent(ctx, URLEvent{JobID: "b", Domain: "bct.gov.tn", State: "failed", Strategy: "rendering", Attempts: 3, ErrorKind: "ExtractionBlocked"})
	tel.RecordAgentEvent(ctx, AgentEvent{AgentType: "extraction", Duration: time.Second, Success: true})
	tel.RecordAgentEvent(ctx, AgentEvent{AgentType: "extraction", Duration: 3 * time.Second})

	m := tel.GetMetrics()
	if m.TotalJobs != 2 || m.CompletedJobs != 1 || m.PartialJobs != 1 {
		t.Fatalf("unexpected job counters: %+v", m)
	}
	if m.AverageJobTime != 3*time.Second {
		t.Fatalf("expected avg 3s, got %v", m.AverageJobTime)
	}
	if m.TotalAttempts != 5 || m.EnrichedURLs != 1 {
		t.Fatalf("unexpected url counters: attempts=%d enriched=%d", m.TotalAttempts, m.EnrichedURLs)
	}
	if got := SuccessRate(m.DomainSuccesses["bct.gov.tn"], m.DomainRequests["bct.gov.tn"]); got != 0.5 {
		t.Fatalf("expected domain success rate 0.5, got %v", got)
	}
	if got := SuccessRate(m.AgentSuccesses["extraction"], m.AgentExecutions["extraction"]); got != 0.5 {
		t.Fatalf("expected agent success rate 0.5, got %v", got)
	}

	// snapshot must not alias internal maps
	m.URLStates["succeeded"] = 100
	if tel.GetMetrics().URLStates["succeeded"] != 1 {
		t.Fatalf("GetMetrics must return a copy")
	}

	report := tel.GetPerformanceReport()
	for _, want := range []string{"PERFORMANCE REPORT", "ExtractionBlocked", "bct.gov.tn", "rendering"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestDisabledTelemetryIgnoresEvents(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{})
	tel.RecordJobEvent(context.Background(), JobEvent{Status: "completed"})
	if tel.GetMetrics().TotalJobs != 0 {
		t.Fatalf("disabled telemetry must not record")
	}
	_ = tel.GetPerformanceReport()
}
