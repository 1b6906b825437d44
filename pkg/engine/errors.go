package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for abort, retry and
// recovery decisions.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a fatal configuration problem.
	// Examples: dependency cycles, missing dependencies, unknown tiers.
	// Never retried; the run aborts before any checkpoint is written.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassAttempt indicates a failed or timed out build attempt.
	// Governed by the retry policy.
	ErrorClassAttempt ErrorClass = "attempt"

	// ErrorClassPersistence indicates the checkpoint store could not be
	// read or written.
	ErrorClassPersistence ErrorClass = "persistence"

	// ErrorClassCancelled indicates the caller cancelled the run.
	ErrorClassCancelled ErrorClass = "cancelled"
)

var (
	// ErrCheckpointCorrupt is wrapped by stores when a persisted checkpoint
	// cannot be decoded or violates its invariants.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrCheckpointTerminal is returned when saving over a terminal checkpoint.
	ErrCheckpointTerminal = errors.New("checkpoint is terminal")

	// ErrFeatureTerminal is returned by Execute when the feature already has a
	// terminal checkpoint. An operator reset is required to run it again.
	ErrFeatureTerminal = errors.New("feature already reached a terminal state")

	// ErrFeatureLeased is wrapped by stores when another owner holds the
	// feature's lease.
	ErrFeatureLeased = errors.New("feature is leased by another run")
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the feature or workstream ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// ErrorClass returns the classification of the error.
func (e *EngineError) ErrorClass() ErrorClass {
	return e.Class
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewAttemptError creates a new attempt error.
func NewAttemptError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassAttempt,
		Message: message,
		Err:     err,
	}
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPersistence,
		Message: message,
		Err:     err,
	}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CycleError reports a dependency or supersede cycle. Cycle is closed: the
// first and last identifiers are the same.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// ErrorClass returns ErrorClassConfiguration.
func (e *CycleError) ErrorClass() ErrorClass { return ErrorClassConfiguration }

// MissingDependencyError reports an edge that references an unknown item.
type MissingDependencyError struct {
	Item    string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("workstream %s depends on non-existent workstream %s", e.Item, e.Missing)
}

// ErrorClass returns ErrorClassConfiguration.
func (e *MissingDependencyError) ErrorClass() ErrorClass { return ErrorClassConfiguration }

// UnknownTierError reports a tier absent from the backend catalog.
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("tier %q not found in backend catalog", e.Tier)
}

// ErrorClass returns ErrorClassConfiguration.
func (e *UnknownTierError) ErrorClass() ErrorClass { return ErrorClassConfiguration }

// NoCandidateError reports that no backend in a tier satisfies the minimum context.
type NoCandidateError struct {
	Tier           string
	MinimumContext int
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no backend in tier %q offers at least %d context units", e.Tier, e.MinimumContext)
}

// ErrorClass returns ErrorClassConfiguration.
func (e *NoCandidateError) ErrorClass() ErrorClass { return ErrorClassConfiguration }

type classified interface {
	ErrorClass() ErrorClass
}

// ClassOf returns the class of the first classified error in the chain.
// Context cancellation maps to ErrorClassCancelled; anything else is "".
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var c classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	if errors.Is(err, ErrCheckpointCorrupt) || errors.Is(err, ErrCheckpointTerminal) || errors.Is(err, ErrFeatureLeased) {
		return ErrorClassPersistence
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}
	return ""
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsPersistence returns true if the error came from the checkpoint store.
func IsPersistence(err error) bool {
	return ClassOf(err) == ErrorClassPersistence
}

// IsCancelled returns true if the error is a cancellation.
func IsCancelled(err error) bool {
	return ClassOf(err) == ErrorClassCancelled
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeBuildFailed      = "BUILD_FAILED"
	ErrCodeCheckpointSave   = "CHECKPOINT_SAVE_FAILED"
	ErrCodeCheckpointLoad   = "CHECKPOINT_LOAD_FAILED"
	ErrCodeEscalationLog    = "ESCALATION_LOG_FAILED"
	ErrCodeLease            = "FEATURE_LEASE_FAILED"
	ErrCodeTerminal         = "TERMINAL_CHECKPOINT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)
