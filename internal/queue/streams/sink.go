package streams

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

// CompletionSink publishes a jobs.completed event for every terminal job.
type CompletionSink struct {
	publisher *Publisher
	stream    string
}

func NewCompletionSink(publisher *Publisher, stream string) *CompletionSink {
	if stream == "" {
		stream = EventJobCompleted
	}
	return &CompletionSink{publisher: publisher, stream: stream}
}

func (s *CompletionSink) Name() string { return "stream:" + s.stream }

func (s *CompletionSink) Consume(ctx context.Context, record core.JobRecord) error {
	if _, err := s.publisher.PublishEvent(ctx, s.stream, EventJobCompleted, PayloadV1, CompletedFromRecord(record)); err != nil {
		return fmt.Errorf("publish completion for job %s: %w", record.ID, err)
	}
	return nil
}

// CompletedFromRecord summarises a terminal job for downstream consumers.
func CompletedFromRecord(record core.JobRecord) JobCompleted {
	out := JobCompleted{
		JobID:        record.ID,
		Status:       string(record.Status),
		Source:       record.Request.Source,
		AnalysisMode: string(record.Request.AnalysisMode),
		Trigger:      record.Request.Trigger,
		URLs:         len(record.Tasks),
		Indicators:   len(record.Result.Indicators),
		Stats:        record.Result.Stats,
		FinishedAt:   record.FinishedAt.UTC(),
	}
	if record.Error != nil {
		out.ErrorKind = string(record.Error.Kind)
		out.ErrorMessage = record.Error.Message
	}
	return out
}

// JobRequest converts the event into an orchestrator submission.
func (r JobRequested) JobRequest() core.JobRequest {
	trigger := r.Trigger
	if trigger == "" {
		trigger = "queue"
	}
	return core.JobRequest{
		URLs:         r.URLs,
		Source:       r.Source,
		AnalysisMode: core.AnalysisMode(r.AnalysisMode),
		Trigger:      trigger,
	}
}

var _ core.ResultSink = (*CompletionSink)(nil)
