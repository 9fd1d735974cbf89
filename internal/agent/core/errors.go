package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so retry and propagation rules can be applied without inspecting messages.
type ErrorKind string

const (
	KindDiscoveryFailure     ErrorKind = "DiscoveryFailure"
	KindNoURLsResolved       ErrorKind = "NoUrlsResolved"
	KindUnreachable          ErrorKind = "ExtractionUnreachable"
	KindBlocked              ErrorKind = "ExtractionBlocked"
	KindTimeout              ErrorKind = "ExtractionTimeout"
	KindEmpty                ErrorKind = "ExtractionEmpty"
	KindAnalysisTimeout      ErrorKind = "AnalysisTimeout"
	KindAnalysisServiceError ErrorKind = "AnalysisServiceError"
	KindBudgetExhausted      ErrorKind = "BudgetExhausted"
	KindCanceled             ErrorKind = "Canceled"
)

// Extraction reports whether the kind comes from an extraction attempt.
func (k ErrorKind) Extraction() bool {
	switch k {
	case KindUnreachable, KindBlocked, KindTimeout, KindEmpty:
		return true
	}
	return false
}

// Analysis reports whether the kind comes from the analysis call.
func (k ErrorKind) Analysis() bool {
	return k == KindAnalysisTimeout || k == KindAnalysisServiceError
}

// JobFatal reports whether the kind aborts the whole job.
func (k ErrorKind) JobFatal() bool {
	return k == KindDiscoveryFailure || k == KindNoURLsResolved
}

var (
	ErrNotReady    = errors.New("job result not ready")
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrShutdown    = errors.New("orchestrator is shutting down")
)

// AgentError is the explicit result value agents return instead of panicking or hiding the kind in a message.
type AgentError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Err        error
}

func (e *AgentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Errorf builds an AgentError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error) *AgentError {
	if err == nil {
		return nil
	}
	return &AgentError{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

func taskError(kind ErrorKind, err error) *TaskError {
	msg := ""
	if err != nil {
		var ae *AgentError
		if errors.As(err, &ae) {
			msg = ae.Message
		} else {
			msg = err.Error()
		}
	}
	return &TaskError{Kind: kind, Message: msg}
}
