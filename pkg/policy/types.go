package policy

import (
	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block execution.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block execution.
	SeverityError Severity = "error"
)

// Blocks reports whether violations of this severity block execution.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy is a Rego module evaluated once per workstream. Its package must
// define a deny set of strings or of objects with a message field.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy       string   `json:"policy"`
	Severity     Severity `json:"severity"`
	WorkstreamID string   `json:"workstream_id,omitempty"`
	Message      string   `json:"message"`
}

// Result is the outcome of evaluating every enabled policy against a feature.
type Result struct {
	// Allowed is false when any violation blocks execution.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`
}

// Blocking returns the violations that block execution.
func (r *Result) Blocking() []Violation {
	out := make([]Violation, 0)
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document a policy sees as input.
type Input struct {
	FeatureID   string                `json:"feature_id"`
	Workstream  engine.WorkItem       `json:"workstream"`
	Workstreams []engine.WorkItem     `json:"workstreams"`
	Catalog     engine.BackendCatalog `json:"catalog,omitempty"`
}
