package server

import "github.com/mohammad-safakhou/ecoagent/internal/index"

// HTTPError is the error envelope every failing route returns.
type HTTPError struct {
	Error string `json:"error"`
}

// SubmitResponse carries the id of an accepted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// NotReadyResponse is returned while a job is still running.
type NotReadyResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SearchResponse wraps indicator search hits.
type SearchResponse struct {
	Query string      `json:"query"`
	Hits  []index.Hit `json:"hits"`
}

// ReadinessResponse reports each dependency check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
