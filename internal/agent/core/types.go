package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
)

// AnalysisMode selects how extracted content is enriched.
type AnalysisMode string

const (
	AnalysisNone     AnalysisMode = "none"
	AnalysisStandard AnalysisMode = "standard"
	AnalysisEnriched AnalysisMode = "enriched"
)

// ParseAnalysisMode maps user input to a mode; empty input means standard.
func ParseAnalysisMode(s string) (AnalysisMode, error) {
	switch AnalysisMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AnalysisStandard:
		return AnalysisStandard, nil
	case AnalysisEnriched:
		return AnalysisEnriched, nil
	case AnalysisNone:
		return AnalysisNone, nil
	default:
		return "", fmt.Errorf("unknown analysis_mode %q", s)
	}
}

// JobStatus is the externally visible lifecycle of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartial
}

// UrlState is the per-URL sub-state inside a job.
type UrlState string

const (
	UrlPending   UrlState = "pending"
	UrlRunning   UrlState = "running"
	UrlSucceeded UrlState = "succeeded"
	UrlFailed    UrlState = "failed"
	UrlSkipped   UrlState = "skipped"
)

// Terminal reports whether the task finished.
func (s UrlState) Terminal() bool {
	return s == UrlSucceeded || s == UrlFailed || s == UrlSkipped
}

// StrategyKind is the closed set of extraction techniques.
type StrategyKind string

const (
	StrategyStructured StrategyKind = "structured"
	StrategyRendering  StrategyKind = "rendering"
)

// Cost orders strategies so escalation can be checked; unknown kinds rank lowest.
func (k StrategyKind) Cost() int {
	switch k {
	case StrategyStructured:
		return 1
	case StrategyRendering:
		return 2
	default:
		return 0
	}
}

// StrategyDecision is derived fresh for every attempt.
type StrategyDecision struct {
	Strategy StrategyKind          `json:"strategy"`
	Identity config.IdentityProfile `json:"identity"`
	Timeout  time.Duration          `json:"timeout"`
	Attempt  int                    `json:"attempt"`
}

// History is what the selector knows about a URL when choosing the next attempt.
type History struct {
	URL            string
	Attempts       int
	LastKind       ErrorKind
	LastStrategy   StrategyKind
	LastIdentity   string
	DomainFailures int
	IdentitySeed   int
	Slice          time.Duration
}

// Failed reports whether the URL or its domain already failed in this job.
func (h History) Failed() bool {
	return h.LastKind != "" || h.DomainFailures > 0
}

// ExtractionResult is the immutable outcome of one successful fetch.
type ExtractionResult struct {
	URL           string        `json:"url"`
	Content       string        `json:"content,omitempty"`
	ContentLength int           `json:"content_length"`
	ContentType   string        `json:"content_type,omitempty"`
	Title         string        `json:"title,omitempty"`
	Latency       time.Duration `json:"latency"`
	StatusCode    int           `json:"status_code"`
	Strategy      StrategyKind  `json:"strategy"`
	Identity      string        `json:"identity,omitempty"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// Indicator is one extracted economic value.
type Indicator struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	Period   string  `json:"period,omitempty"`
	Category string  `json:"category,omitempty"`
}

// AnalysisResult is produced by the analysis agent.
type AnalysisResult struct {
	Indicators []Indicator   `json:"indicators"`
	Confidence float64       `json:"confidence"`
	Enriched   bool          `json:"enriched"`
	Category   string        `json:"category,omitempty"`
	Model      string        `json:"model,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// TaskError records an error kind and its last message.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// UrlTask is the per-URL unit of work.
type UrlTask struct {
	URL        string            `json:"url"`
	State      UrlState          `json:"state"`
	Strategy   StrategyKind      `json:"strategy,omitempty"`
	Attempts   int               `json:"attempts"`
	Error      *TaskError        `json:"error,omitempty"`
	Extraction *ExtractionResult `json:"extraction,omitempty"`
	Analysis   *AnalysisResult   `json:"analysis,omitempty"`
	Enriched   bool              `json:"enriched"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// JobRequest is the validated submission payload.
type JobRequest struct {
	URLs         []string     `json:"urls,omitempty"`
	Source       string       `json:"source,omitempty"`
	AnalysisMode AnalysisMode `json:"analysis_mode"`
	Trigger      string       `json:"trigger,omitempty"`
}

// HasSource reports whether discovery must resolve the URLs.
func (r JobRequest) HasSource() bool {
	return strings.TrimSpace(r.Source) != ""
}

// Validate enforces exactly one of urls/source and a known analysis mode.
func (r JobRequest) Validate(maxURLs int) error {
	hasURLs := len(r.URLs) > 0
	if hasURLs == r.HasSource() {
		return fmt.Errorf("exactly one of urls or source is required")
	}
	if maxURLs > 0 && len(r.URLs) > maxURLs {
		return fmt.Errorf("too many urls: %d > %d", len(r.URLs), maxURLs)
	}
	for _, u := range r.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("urls must not contain empty entries")
		}
	}
	if _, err := ParseAnalysisMode(string(r.AnalysisMode)); err != nil {
		return err
	}
	return nil
}

// UrlStatus is the per-URL part of a status snapshot.
type UrlStatus struct {
	URL      string       `json:"url"`
	State    UrlState     `json:"state"`
	Attempts int          `json:"attempts"`
	Strategy StrategyKind `json:"strategy,omitempty"`
	Error    *TaskError   `json:"error,omitempty"`
}

// JobSnapshot is a point-in-time status view.
type JobSnapshot struct {
	JobID        string       `json:"job_id"`
	Status       JobStatus    `json:"status"`
	Phase        Phase        `json:"phase"`
	Source       string       `json:"source,omitempty"`
	AnalysisMode AnalysisMode `json:"analysis_mode"`
	PerURL       []UrlStatus  `json:"per_url"`
	Error        *TaskError   `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IndicatorRecord is an aggregated indicator with its source.
type IndicatorRecord struct {
	Indicator
	SourceURL  string  `json:"source_url"`
	Confidence float64 `json:"confidence"`
	Enriched   bool    `json:"enriched"`
}

// Provenance describes how each URL contributed to the result.
type Provenance struct {
	URL        string       `json:"url"`
	State      UrlState     `json:"state"`
	Strategy   StrategyKind `json:"strategy,omitempty"`
	Attempts   int          `json:"attempts"`
	Enriched   bool         `json:"enriched"`
	Confidence *float64     `json:"confidence,omitempty"`
	Error      *TaskError   `json:"error,omitempty"`
}

// AggregateStats summarises filtering done by the aggregator.
type AggregateStats struct {
	Input          int `json:"input"`
	Kept           int `json:"kept"`
	OutsidePeriod  int `json:"outside_period"`
	InvalidValue   int `json:"invalid_value"`
	LowConfidence  int `json:"low_confidence"`
	Duplicates     int `json:"duplicates"`
	SucceededURLs  int `json:"succeeded_urls"`
	FailedURLs     int `json:"failed_urls"`
	SkippedURLs    int `json:"skipped_urls"`
	EnrichedURLs   int `json:"enriched_urls"`
	UnenrichedURLs int `json:"unenriched_urls"`
}

// Aggregation is what the aggregator hands back to the orchestrator.
type Aggregation struct {
	Indicators []IndicatorRecord `json:"indicators"`
	Provenance []Provenance      `json:"provenance"`
	Stats      AggregateStats    `json:"stats"`
}

// JobResult is returned once a job is terminal.
type JobResult struct {
	JobID      string            `json:"job_id"`
	Status     JobStatus         `json:"status"`
	Indicators []IndicatorRecord `json:"indicators"`
	Provenance []Provenance      `json:"provenance"`
	Stats      AggregateStats    `json:"stats"`
	Error      *TaskError        `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// JobRecord is the persisted shape of a terminal job.
type JobRecord struct {
	ID         string     `json:"id"`
	Request    JobRequest `json:"request"`
	Status     JobStatus  `json:"status"`
	Error      *TaskError `json:"error,omitempty"`
	Tasks      []UrlTask  `json:"tasks"`
	Result     JobResult  `json:"result"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Snapshot converts a persisted record into a status view.
func (r JobRecord) Snapshot() JobSnapshot {
	snap := JobSnapshot{
		JobID:        r.ID,
		Status:       r.Status,
		Phase:        PhaseForStatus(r.Status),
		Source:       r.Request.Source,
		AnalysisMode: r.Request.AnalysisMode,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.FinishedAt,
	}
	for _, t := range r.Tasks {
		snap.PerURL = append(snap.PerURL, UrlStatus{URL: t.URL, State: t.State, Attempts: t.Attempts, Strategy: t.Strategy, Error: t.Error})
	}
	return snap
}
