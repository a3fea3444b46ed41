package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline errors into the closed set callers are
// allowed to branch on.
type ErrorKind string

const (
	// KindConfigMissing means required configuration is absent.
	KindConfigMissing ErrorKind = "config_missing"
	// KindNoProviderAvailable means a capability class has no usable
	// endpoint right now.
	KindNoProviderAvailable ErrorKind = "no_provider_available"
	// KindProviderTransient means a provider call failed in a retryable way
	// (rate limit, timeout, 5xx).
	KindProviderTransient ErrorKind = "provider_transient"
	// KindProviderFatal means a provider call failed in a non-retryable way
	// (auth failure, malformed request).
	KindProviderFatal ErrorKind = "provider_fatal"
	// KindStageInputMissing means a stage was invoked without its
	// predecessor's artifact.
	KindStageInputMissing ErrorKind = "stage_input_missing"
	// KindSerializationDegraded means an artifact write succeeded with
	// placeholder substitutions. Warning severity, never fatal.
	KindSerializationDegraded ErrorKind = "serialization_degraded"
	// KindPersistenceFailure means artifact-store I/O failed.
	KindPersistenceFailure ErrorKind = "persistence_failure"
	// KindCancelled means the run was cancelled.
	KindCancelled ErrorKind = "cancelled"
)

// Pipeline errors.
var (
	// ErrSessionAlreadyActive indicates a full run was requested for a
	// session that is already executing.
	ErrSessionAlreadyActive = errors.New("pipeline already running for this session")

	// ErrStageOutOfOrder indicates a stage was requested ahead of its
	// predecessors.
	ErrStageOutOfOrder = errors.New("stage requested out of order")

	// ErrUnknownStage indicates a requested stage number is not 1..3.
	ErrUnknownStage = errors.New("unknown stage")
)

// StageError wraps an error with stage context.
type StageError struct {
	StageID   string
	StageName string
	Err       error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.StageName, e.StageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stageID, stageName string, err error) *StageError {
	return &StageError{
		StageID:   stageID,
		StageName: stageName,
		Err:       err,
	}
}

// CoreError wraps an error with its kind and the operation that produced it.
type CoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewError creates a new CoreError.
func NewError(kind ErrorKind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// Errorf creates a new CoreError from a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind from an error chain. Errors that carry no
// CoreError return the empty kind.
func KindOf(err error) ErrorKind {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ""
}

// IsKind reports whether an error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error kind permits a provider failover.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindNoProviderAvailable:
		return true
	}
	return false
}
