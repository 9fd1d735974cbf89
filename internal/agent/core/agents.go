package core

import (
	"context"
	"time"
)

// Extractor fetches one URL with the technique chosen for the attempt.
type Extractor interface {
	Extract(ctx context.Context, url string, decision StrategyDecision, timeout time.Duration) (ExtractionResult, error)
}

// Analyzer turns extracted content into indicators.
type Analyzer interface {
	Analyze(ctx context.Context, result ExtractionResult, mode AnalysisMode, timeout time.Duration) (*AnalysisResult, error)
}

// Discoverer resolves a source identifier into concrete URLs.
type Discoverer interface {
	Discover(ctx context.Context, source string, maxURLs int) ([]string, error)
}

// Selector picks the strategy, identity and timeout for the next attempt.
type Selector interface {
	Select(url string, history History) StrategyDecision
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	MaxAttempts() int
	Retryable(kind ErrorKind) bool
	Delay(failures int, kind ErrorKind) time.Duration
}

// Aggregator merges per-URL outcomes into the job result.
type Aggregator interface {
	Aggregate(tasks []UrlTask) Aggregation
}

// ResultSink receives every terminal job exactly once.
type ResultSink interface {
	Name() string
	Consume(ctx context.Context, record JobRecord) error
}

// JobFilter narrows archive listings.
type JobFilter struct {
	Status JobStatus
	Limit  int
}

// JobArchive serves jobs that are no longer held in memory.
type JobArchive interface {
	GetJob(ctx context.Context, id string) (JobRecord, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)
}
