package engine

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Progress is a read-only projection of a feature's checkpoint.
type Progress struct {
	FeatureID   string           `json:"feature_id"`
	Total       int              `json:"total"`
	Completed   int              `json:"completed"`
	Current     string           `json:"current,omitempty"`
	Status      CheckpointStatus `json:"status"`
	Percentage  float64          `json:"percentage"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	// Escalated lists escalated workstreams in execution order.
	Escalated []string `json:"escalated,omitempty"`

	// Remaining lists workstreams neither completed nor escalated.
	Remaining []string `json:"remaining,omitempty"`
}

// Monitor reports progress from persisted checkpoints. It never writes and
// is safe to poll while an orchestrator run is in progress.
type Monitor struct {
	store CheckpointStore
}

// NewMonitor creates a progress monitor over store.
func NewMonitor(store CheckpointStore) *Monitor {
	return &Monitor{store: store}
}

// Progress returns the feature's progress, or nil when no checkpoint exists.
// A corrupt checkpoint reads as no checkpoint.
func (m *Monitor) Progress(ctx context.Context, featureID string) (*Progress, error) {
	cp, err := m.store.Load(ctx, featureID)
	if err != nil {
		if errors.Is(err, ErrCheckpointCorrupt) {
			return nil, nil
		}
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return ProgressOf(cp), nil
}

// ProgressOf projects a checkpoint.
func ProgressOf(cp *Checkpoint) *Progress {
	p := &Progress{
		FeatureID:   cp.FeatureID,
		Total:       len(cp.ExecutionOrder),
		Completed:   len(cp.CompletedWS),
		Current:     cp.CurrentWS,
		Status:      cp.Status,
		StartedAt:   cp.StartedAt,
		CompletedAt: cp.CompletedAt,
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}

	for _, id := range cp.ExecutionOrder {
		switch {
		case slices.Contains(cp.EscalatedWS, id):
			p.Escalated = append(p.Escalated, id)
		case !slices.Contains(cp.CompletedWS, id):
			p.Remaining = append(p.Remaining, id)
		}
	}
	return p
}
