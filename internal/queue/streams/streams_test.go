package streams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

type fakeAdder struct {
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeAdder) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1700000000000-0", nil)
}

func baseRegistry(t *testing.T) *SchemaRegistry {
	t.Helper()
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("base registry: %v", err)
	}
	return reg
}

func TestJobRequestedSchema(t *testing.T) {
	reg := baseRegistry(t)
	cases := []struct {
		name    string
		payload string
		valid   bool
	}{
		{"urls", `{"urls":["https://www.bct.gov.tn/"],"analysis_mode":"standard"}`, true},
		{"source", `{"source":"BCT","analysis_mode":"enriched","trigger":"schedule"}`, true},
		{"default mode", `{"source":"INS"}`, true},
		{"both", `{"urls":["https://a.example"],"source":"BCT"}`, false},
		{"neither", `{"analysis_mode":"none"}`, false},
		{"empty urls", `{"urls":[]}`, false},
		{"unknown mode", `{"source":"BCT","analysis_mode":"deep"}`, false},
		{"unknown field", `{"source":"BCT","priority":1}`, false},
	}
	for _, tc := range cases {
		err := reg.Validate(EventJobRequested, PayloadV1, []byte(tc.payload))
		if tc.valid && err != nil {
			t.Fatalf("%s: expected valid, got %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestRegistryRejectsUnknownEvent(t *testing.T) {
	reg := baseRegistry(t)
	if err := reg.Validate("jobs.deleted", PayloadV1, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered event")
	}
	if !reg.Has(EventJobCompleted, PayloadV1) || reg.Has(EventJobCompleted, "v2") {
		t.Fatalf("unexpected Has results")
	}
	if err := reg.Register("broken", PayloadV1, []byte(`{"type": 12}`)); err == nil {
		t.Fatalf("expected compile error for invalid schema")
	}
}

func TestCompletionSinkPublishesSummary(t *testing.T) {
	adder := &fakeAdder{}
	sink := NewCompletionSink(NewPublisher(adder, baseRegistry(t), 500), "")
	finished := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	record := core.JobRecord{
		ID:      "5f1d7a4e-0000-4000-8000-000000000001",
		Request: core.JobRequest{Source: "BCT", AnalysisMode: core.AnalysisStandard, Trigger: "schedule"},
		Status:  core.JobPartial,
		Tasks:   []core.UrlTask{{URL: "https://www.bct.gov.tn/a"}, {URL: "https://www.bct.gov.tn/b"}},
		Result: core.JobResult{
			Indicators: []core.IndicatorRecord{{Indicator: core.Indicator{Name: "inflation", Value: 9.3, Unit: "%", Period: "2023"}}},
			Stats:      core.AggregateStats{Input: 3, Kept: 1, SucceededURLs: 1, FailedURLs: 1},
		},
		FinishedAt: finished,
	}
	if err := sink.Consume(context.Background(), record); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(adder.calls) != 1 {
		t.Fatalf("expected one XADD, got %d", len(adder.calls))
	}
	args := adder.calls[0]
	if args.Stream != EventJobCompleted || args.MaxLen != 500 || !args.Approx {
		t.Fatalf("unexpected xadd args: %+v", args)
	}
	raw, ok := args.Values.(map[string]interface{})["envelope"].([]byte)
	if !ok {
		t.Fatalf("envelope value missing: %#v", args.Values)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var got JobCompleted
	if err := env.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := JobCompleted{
		JobID:        record.ID,
		Status:       "partial",
		Source:       "BCT",
		AnalysisMode: "standard",
		Trigger:      "schedule",
		URLs:         2,
		Indicators:   1,
		Stats:        record.Result.Stats,
		FinishedAt:   finished,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("completion payload mismatch (-want +got):\n%s", diff)
	}
}

func TestCompletionSinkReportsPublishFailure(t *testing.T) {
	adder := &fakeAdder{err: errors.New("connection refused")}
	sink := NewCompletionSink(NewPublisher(adder, nil, 0), "custom.completed")
	err := sink.Consume(context.Background(), core.JobRecord{ID: "j1", Status: core.JobFailed, Error: &core.TaskError{Kind: core.KindNoURLsResolved, Message: "nothing"}})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if adder.calls[0].Stream != "custom.completed" || adder.calls[0].MaxLen != 0 {
		t.Fatalf("unexpected xadd args: %+v", adder.calls[0])
	}
}

func TestPublisherRejectsInvalidPayload(t *testing.T) {
	adder := &fakeAdder{}
	pub := NewPublisher(adder, baseRegistry(t), 0)
	if _, err := pub.PublishEvent(context.Background(), EventJobRequested, EventJobRequested, PayloadV1, JobRequested{}); err == nil {
		t.Fatalf("expected schema rejection")
	}
	if len(adder.calls) != 0 {
		t.Fatalf("invalid payload must not reach redis")
	}
}

func TestJobRequestedDefaultsTrigger(t *testing.T) {
	req := JobRequested{Source: "INS", AnalysisMode: "none"}.JobRequest()
	if req.Trigger != "queue" || req.AnalysisMode != core.AnalysisNone {
		t.Fatalf("unexpected request: %+v", req)
	}
}
