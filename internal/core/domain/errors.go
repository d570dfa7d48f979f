package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTemporary    = errors.New("temporary failure")
	ErrRetrieval    = errors.New("retrieval failure")
	ErrAgentRun     = errors.New("agent run failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// InvalidQueryError is a caller error. It is never retried.
type InvalidQueryError struct {
	Field  string
	Reason string
}

func NewInvalidQuery(field, reason string) *InvalidQueryError {
	return &InvalidQueryError{Field: field, Reason: reason}
}

func (e *InvalidQueryError) Error() string {
	if e.Field == "" {
		return "invalid query: " + e.Reason
	}
	return fmt.Sprintf("invalid query: %s %s", e.Field, e.Reason)
}

func (e *InvalidQueryError) Unwrap() error { return ErrInvalidInput }

// RetrievalFailure wraps a search backend I/O or auth error.
type RetrievalFailure struct {
	Operation string
	Cause     error
}

func NewRetrievalFailure(operation string, cause error) *RetrievalFailure {
	return &RetrievalFailure{Operation: operation, Cause: cause}
}

func (e *RetrievalFailure) Error() string {
	return fmt.Sprintf("retrieval failure: %s: %v", e.Operation, e.Cause)
}

func (e *RetrievalFailure) Unwrap() []error { return []error{ErrRetrieval, e.Cause} }

type AgentFailureReason string

const (
	AgentFailureStatus    AgentFailureReason = "status"
	AgentFailureTimeout   AgentFailureReason = "timeout"
	AgentFailureCancelled AgentFailureReason = "cancelled"
)

// AgentRunFailure is surfaced when a run ends in failed/cancelled/expired or is
// abandoned locally after a deadline or cancellation.
type AgentRunFailure struct {
	Status RunStatus
	Reason AgentFailureReason
	Detail string
}

func (e *AgentRunFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent run failure: status=%s reason=%s", e.Status, e.Reason)
	}
	return fmt.Sprintf("agent run failure: status=%s reason=%s: %s", e.Status, e.Reason, e.Detail)
}

func (e *AgentRunFailure) Unwrap() error { return ErrAgentRun }

// CitationResolutionWarning records a marker with no matching annotation.
type CitationResolutionWarning struct {
	Marker string
}

func (w CitationResolutionWarning) String() string {
	return "unresolved citation marker " + w.Marker
}
