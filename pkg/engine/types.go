package engine

import (
	"time"
)

// WorkItem is a single workstream within a feature.
type WorkItem struct {
	// ID is the unique identifier for this workstream (e.g. "00-001-01").
	ID string `json:"id" yaml:"id"`

	// FeatureID groups workstreams that share a goal and dependency graph.
	FeatureID string `json:"feature_id" yaml:"feature_id"`

	// Size is the scope classification of the workstream.
	Size ItemSize `json:"size,omitempty" yaml:"size,omitempty"`

	// Tier is the capability tier required to build this workstream.
	// When empty the tier is derived from Size.
	Tier string `json:"tier,omitempty" yaml:"tier,omitempty"`

	// MinContext is the minimum context capacity a backend must offer.
	MinContext int `json:"min_context,omitempty" yaml:"min_context,omitempty"`

	// Status is the current lifecycle status.
	Status ItemStatus `json:"status" yaml:"status"`

	// DependsOn lists workstream IDs that must complete before this one starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// SupersededBy points at the workstream replacing this one, if any.
	SupersededBy string `json:"superseded_by,omitempty" yaml:"superseded_by,omitempty"`
}

// DependencyEdge is an ordered pair meaning From cannot start until To is completed.
type DependencyEdge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// EdgesFromItems derives dependency edges from each item's DependsOn list,
// preserving item order and declaration order.
func EdgesFromItems(items []WorkItem) []DependencyEdge {
	edges := make([]DependencyEdge, 0)
	for _, item := range items {
		for _, dep := range item.DependsOn {
			edges = append(edges, DependencyEdge{From: item.ID, To: dep})
		}
	}
	return edges
}

// ExecutionBackend is a provider/model pair that can run build attempts.
type ExecutionBackend struct {
	// ID identifies the backend, usually "<provider>/<model>".
	ID string `json:"id"`

	// Provider is the execution provider name.
	Provider string `json:"provider"`

	// Model is the model name within the provider.
	Model string `json:"model"`

	// Tier is the capability tier this backend serves.
	Tier string `json:"tier"`

	// CostPerUnit is the relative cost of running work on this backend.
	CostPerUnit float64 `json:"cost_per_unit"`

	// Availability is the fraction of time the backend is available (0-1).
	Availability float64 `json:"availability"`

	// ContextCapacity is the maximum context size in units.
	ContextCapacity int `json:"context_capacity"`

	// SupportsToolUse reports whether the backend can drive tools.
	SupportsToolUse bool `json:"supports_tool_use"`
}

// BackendCatalog maps a tier label to its ordered list of backends.
// The catalog is treated as immutable for the duration of a run.
type BackendCatalog map[string][]ExecutionBackend

// Tiers returns the tier labels present in the catalog.
func (c BackendCatalog) Tiers() []string {
	tiers := make([]string, 0, len(c))
	for tier := range c {
		tiers = append(tiers, tier)
	}
	return tiers
}

// BuildAttempt records one build attempt of a workstream.
type BuildAttempt struct {
	// Number is the 1-indexed attempt number.
	Number int `json:"number"`

	// BackendID is the backend used for this attempt.
	BackendID string `json:"backend_id"`

	// Success reports whether the attempt succeeded.
	Success bool `json:"success"`

	// Output is free-text output from the build.
	Output string `json:"output,omitempty"`

	// Error is the free-text error, if the attempt failed.
	Error string `json:"error,omitempty"`

	// Diagnostics is free-text diagnostics collected by the builder.
	Diagnostics string `json:"diagnostics,omitempty"`

	// TimedOut reports whether the attempt exceeded its timeout.
	TimedOut bool `json:"timed_out,omitempty"`

	// StartedAt is when the attempt started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the attempt ran.
	Duration time.Duration `json:"duration"`
}

// Checkpoint is the durable progress record of a feature execution.
//
// Invariants (see Validate):
//   - CompletedWS is a subset of ExecutionOrder
//   - CurrentWS, if set, is in ExecutionOrder and not in CompletedWS
//   - Status completed implies CurrentWS is empty and CompletedWS equals ExecutionOrder
//   - Status escalated implies at least one EscalatedWS entry
type Checkpoint struct {
	FeatureID      string           `json:"feature_id"`
	ExecutionOrder []string         `json:"execution_order"`
	CompletedWS    []string         `json:"completed_ws"`
	CurrentWS      string           `json:"current_ws,omitempty"`
	Status         CheckpointStatus `json:"status"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`

	// Attempts counts build attempts per workstream for the current run.
	Attempts map[string]int `json:"attempts,omitempty"`

	// EscalatedWS lists workstreams that ended in escalation.
	EscalatedWS []string `json:"escalated_ws,omitempty"`
}

// Category values for escalation records.
const (
	EscalationCategoryBuild = "build"
)

// EscalationRecord is the append-only record of a workstream handed to a human.
type EscalationRecord struct {
	ID           string         `json:"id"`
	FeatureID    string         `json:"feature_id"`
	WorkstreamID string         `json:"workstream_id"`
	Tier         string         `json:"tier"`
	BackendID    string         `json:"backend_id,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	Category     string         `json:"category"`
	Message      string         `json:"message"`
	Remediation  string         `json:"remediation"`
	Diagnostics  string         `json:"diagnostics"`
	Attempts     []BuildAttempt `json:"attempts,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ExecutionResult is the outcome of one Execute call.
type ExecutionResult struct {
	// FeatureID is the feature that was executed.
	FeatureID string `json:"feature_id"`

	// Status is the final checkpoint status of the feature.
	Status CheckpointStatus `json:"status"`

	// Order is the resolved execution order.
	Order []string `json:"order,omitempty"`

	// Completed lists completed workstreams in execution order.
	Completed []string `json:"completed,omitempty"`

	// Escalated lists workstreams that ended in escalation.
	Escalated []string `json:"escalated,omitempty"`

	// Blocked lists workstreams that could not start because a dependency
	// was escalated or the run was cancelled.
	Blocked []string `json:"blocked,omitempty"`

	// Escalations are the escalation records produced by this run.
	Escalations []*EscalationRecord `json:"escalations,omitempty"`

	// Attempts holds every build attempt made in this run, by workstream.
	Attempts map[string][]BuildAttempt `json:"attempts,omitempty"`

	// Backends records the backend selected for each dispatched workstream.
	Backends map[string]string `json:"backends,omitempty"`

	// Resumed reports whether execution resumed from an existing checkpoint.
	Resumed bool `json:"resumed"`

	// Cancelled reports whether the run stopped because ctx was cancelled.
	Cancelled bool `json:"cancelled,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Err is the error that ended the run, if any.
	Err error `json:"-"`
}

// BuildRequest describes one build attempt handed to a Builder.
type BuildRequest struct {
	FeatureID string
	Item      WorkItem
	Tier      string
	Backend   ExecutionBackend
	Attempt   int

	// Previous holds the earlier attempts of this workstream in this run.
	Previous []BuildAttempt
}

// BuildOutcome is what a Builder reports for an attempt.
type BuildOutcome struct {
	Success     bool
	Output      string
	Error       string
	Diagnostics string
}
