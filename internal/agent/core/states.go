package core

import "fmt"

// Phase is a state of the per-job workflow.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseAdmitted    Phase = "admitted"
	PhaseDiscovering Phase = "discovering"
	PhaseDispatching Phase = "dispatching"
	PhaseCollecting  Phase = "collecting"
	PhaseFinalizing  Phase = "finalizing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhasePartial     Phase = "partial"
)

// validTransitions is the fixed workflow table.
var validTransitions = map[Phase][]Phase{
	PhaseQueued:      {PhaseAdmitted, PhaseFailed},
	PhaseAdmitted:    {PhaseDiscovering, PhaseDispatching},
	PhaseDiscovering: {PhaseDispatching, PhaseFailed},
	PhaseDispatching: {PhaseCollecting},
	PhaseCollecting:  {PhaseFinalizing},
	PhaseFinalizing:  {PhaseCompleted, PhasePartial, PhaseFailed},
	PhaseCompleted:   {},
	PhaseFailed:      {},
	PhasePartial:     {},
}

// ValidateTransition checks a phase change against the table.
func ValidateTransition(from, to Phase) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase: %s", from)
	}
	for _, p := range allowed {
		if p == to {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition from %s to %s", from, to)
}

// IsTerminal reports whether the phase has no outgoing transitions.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhasePartial
}

// Status maps a phase to the externally visible job status.
func (p Phase) Status() JobStatus {
	switch p {
	case PhaseQueued:
		return JobPending
	case PhaseCompleted:
		return JobCompleted
	case PhaseFailed:
		return JobFailed
	case PhasePartial:
		return JobPartial
	default:
		return JobRunning
	}
}

// PhaseForStatus returns the terminal phase for a terminal status, or queued/collecting otherwise.
func PhaseForStatus(s JobStatus) Phase {
	switch s {
	case JobCompleted:
		return PhaseCompleted
	case JobFailed:
		return PhaseFailed
	case JobPartial:
		return PhasePartial
	case JobPending:
		return PhaseQueued
	default:
		return PhaseCollecting
	}
}

// ResolveStatus applies the job outcome rule to per-URL terminal states.
// Failed is reserved for discovery failures and empty URL sets.
func ResolveStatus(tasks []UrlTask) JobStatus {
	if len(tasks) == 0 {
		return JobFailed
	}
	for _, t := range tasks {
		if t.State != UrlSucceeded {
			return JobPartial
		}
	}
	return JobCompleted
}
