package engine

import (
	"context"
	"time"
)

// CheckpointStore persists one checkpoint per feature.
// Implementations must make Save atomic with respect to concurrent loads.
type CheckpointStore interface {
	// Load returns the checkpoint for a feature, or nil with a nil error when
	// none exists. Stored state that cannot be decoded or violates the
	// checkpoint invariants is reported with an error wrapping
	// ErrCheckpointCorrupt.
	Load(ctx context.Context, featureID string) (*Checkpoint, error)

	// Save overwrites the feature's checkpoint with the complete value.
	// Saving over a terminal checkpoint fails with ErrCheckpointTerminal
	// unless the value is identical.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Delete removes the feature's checkpoint. Deleting an absent
	// checkpoint is not an error.
	Delete(ctx context.Context, featureID string) error
}

// FeatureLeaser is implemented by checkpoint stores that several processes
// can share. A lease gives its owner exclusive use of a feature until it is
// released or its TTL passes without renewal.
type FeatureLeaser interface {
	// AcquireLease takes the feature's lease for owner. It fails with an
	// error wrapping ErrFeatureLeased while another owner holds a live lease.
	// Acquiring a lease the owner already holds renews it.
	AcquireLease(ctx context.Context, featureID, owner string, ttl time.Duration) error

	// RenewLease extends the owner's lease. It fails with an error wrapping
	// ErrFeatureLeased when the lease was lost to another owner or removed.
	RenewLease(ctx context.Context, featureID, owner string, ttl time.Duration) error

	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, featureID, owner string) error
}

// EscalationLog is the append-only record of escalations.
type EscalationLog interface {
	// AppendEscalation records an escalation. Records are never mutated.
	AppendEscalation(ctx context.Context, record *EscalationRecord) error

	// ListEscalations returns the escalations of a feature in append order.
	ListEscalations(ctx context.Context, featureID string) ([]*EscalationRecord, error)
}

// Builder runs a single build attempt of a workstream on a backend.
// The orchestrator treats the build as opaque. A returned error counts as a
// failed attempt, as does an outcome with Success unset.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (*BuildOutcome, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, req BuildRequest) (*BuildOutcome, error)

// Build calls f(ctx, req).
func (f BuilderFunc) Build(ctx context.Context, req BuildRequest) (*BuildOutcome, error) {
	return f(ctx, req)
}
