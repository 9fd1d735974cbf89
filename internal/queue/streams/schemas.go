package streams

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

const (
	EventJobRequested = "jobs.requested"
	EventJobCompleted = "jobs.completed"
	PayloadV1         = "v1"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

// JobRequested asks a worker to run one job. The same document is accepted by POST /api/jobs.
type JobRequested struct {
	URLs           []string `json:"urls,omitempty"`
	Source         string   `json:"source,omitempty"`
	AnalysisMode   string   `json:"analysis_mode,omitempty"`
	Trigger        string   `json:"trigger,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// JobCompleted announces a terminal job.
type JobCompleted struct {
	JobID        string              `json:"job_id"`
	Status       string              `json:"status"`
	Source       string              `json:"source,omitempty"`
	AnalysisMode string              `json:"analysis_mode"`
	Trigger      string              `json:"trigger,omitempty"`
	URLs         int                 `json:"urls"`
	Indicators   int                 `json:"indicators"`
	Stats        core.AggregateStats `json:"stats"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	FinishedAt   time.Time           `json:"finished_at"`
}

var baseDefinitions = []Definition{
	{
		EventType: EventJobRequested,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "urls": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "source": {"type": "string", "minLength": 1},
    "analysis_mode": {"type": "string", "enum": ["", "none", "standard", "enriched"]},
    "trigger": {"type": "string"},
    "idempotency_key": {"type": "string"}
  },
  "oneOf": [
    {"required": ["urls"]},
    {"required": ["source"]}
  ],
  "additionalProperties": false
}`),
	},
	{
		EventType: EventJobCompleted,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "status", "analysis_mode", "urls", "indicators", "stats", "finished_at"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["completed", "partial", "failed"]},
    "source": {"type": "string"},
    "analysis_mode": {"type": "string"},
    "trigger": {"type": "string"},
    "urls": {"type": "integer", "minimum": 0},
    "indicators": {"type": "integer", "minimum": 0},
    "stats": {"type": "object", "additionalProperties": {"type": "integer"}},
    "error_kind": {"type": "string"},
    "error_message": {"type": "string"},
    "finished_at": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the job event schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// NewBaseRegistry returns a registry with the job event schemas loaded.
func NewBaseRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
