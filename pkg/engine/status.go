package engine

import (
	"fmt"
	"slices"
	"strings"
)

// ItemStatus represents the lifecycle status of a workstream.
type ItemStatus string

const (
	// ItemStatusBacklog indicates the workstream has not been started.
	ItemStatusBacklog ItemStatus = "backlog"

	// ItemStatusReady indicates the workstream's dependencies are satisfied.
	ItemStatusReady ItemStatus = "ready"

	// ItemStatusInProgress indicates the workstream is being built.
	ItemStatusInProgress ItemStatus = "in-progress"

	// ItemStatusBlocked indicates the workstream is waiting on something external.
	ItemStatusBlocked ItemStatus = "blocked"

	// ItemStatusCompleted indicates the workstream is done.
	ItemStatusCompleted ItemStatus = "completed"

	// ItemStatusSuperseded indicates the workstream was replaced by another.
	// Superseded workstreams are kept for audit and never dispatched.
	ItemStatusSuperseded ItemStatus = "superseded"
)

// IsTerminal returns true if the workstream will never be dispatched again.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusSuperseded
}

// Validate checks if the item status is valid.
func (s ItemStatus) Validate() error {
	switch s {
	case ItemStatusBacklog, ItemStatusReady, ItemStatusInProgress,
		ItemStatusBlocked, ItemStatusCompleted, ItemStatusSuperseded:
		return nil
	default:
		return fmt.Errorf("invalid workstream status: %s", s)
	}
}

// ParseItemStatus accepts the canonical values plus the underscore spelling
// of in-progress. An empty string maps to backlog.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ItemStatusBacklog, nil
	case "in_progress", "in-progress":
		return ItemStatusInProgress, nil
	}
	status := ItemStatus(strings.ToLower(strings.TrimSpace(s)))
	if err := status.Validate(); err != nil {
		return "", err
	}
	return status, nil
}

// ItemSize classifies the scope of a workstream.
type ItemSize string

const (
	ItemSizeSmall  ItemSize = "small"
	ItemSizeMedium ItemSize = "medium"
	ItemSizeLarge  ItemSize = "large"
)

// Validate checks if the item size is valid. Empty is allowed.
func (s ItemSize) Validate() error {
	switch s {
	case "", ItemSizeSmall, ItemSizeMedium, ItemSizeLarge:
		return nil
	default:
		return fmt.Errorf("invalid workstream size: %s", s)
	}
}

// CheckpointStatus represents the status of a feature execution.
type CheckpointStatus string

const (
	// CheckpointStatusRunning indicates the feature is executing or was
	// interrupted and can be resumed.
	CheckpointStatusRunning CheckpointStatus = "running"

	// CheckpointStatusCompleted indicates every workstream completed.
	CheckpointStatusCompleted CheckpointStatus = "completed"

	// CheckpointStatusFailed indicates a structural error ended the run.
	CheckpointStatusFailed CheckpointStatus = "failed"

	// CheckpointStatusEscalated indicates at least one workstream was escalated.
	CheckpointStatusEscalated CheckpointStatus = "escalated"
)

// IsTerminal returns true if the status represents a final state.
func (s CheckpointStatus) IsTerminal() bool {
	return s == CheckpointStatusCompleted || s == CheckpointStatusFailed ||
		s == CheckpointStatusEscalated
}

// Validate checks if the checkpoint status is valid.
func (s CheckpointStatus) Validate() error {
	switch s {
	case CheckpointStatusRunning, CheckpointStatusCompleted,
		CheckpointStatusFailed, CheckpointStatusEscalated:
		return nil
	default:
		return fmt.Errorf("invalid checkpoint status: %s", s)
	}
}

// IsTerminal returns true if the checkpoint is in a terminal state.
func (c *Checkpoint) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Validate checks the checkpoint invariants.
func (c *Checkpoint) Validate() error {
	if c.FeatureID == "" {
		return fmt.Errorf("checkpoint has empty feature ID")
	}
	if err := c.Status.Validate(); err != nil {
		return err
	}

	inOrder := make(map[string]bool, len(c.ExecutionOrder))
	for _, id := range c.ExecutionOrder {
		if inOrder[id] {
			return fmt.Errorf("execution order lists %s twice", id)
		}
		inOrder[id] = true
	}

	completed := make(map[string]bool, len(c.CompletedWS))
	for _, id := range c.CompletedWS {
		if !inOrder[id] {
			return fmt.Errorf("completed workstream %s is not in the execution order", id)
		}
		completed[id] = true
	}

	if c.CurrentWS != "" {
		if !inOrder[c.CurrentWS] {
			return fmt.Errorf("current workstream %s is not in the execution order", c.CurrentWS)
		}
		if completed[c.CurrentWS] {
			return fmt.Errorf("current workstream %s is already completed", c.CurrentWS)
		}
	}

	for _, id := range c.EscalatedWS {
		if !inOrder[id] {
			return fmt.Errorf("escalated workstream %s is not in the execution order", id)
		}
		if completed[id] {
			return fmt.Errorf("escalated workstream %s is also completed", id)
		}
	}

	switch c.Status {
	case CheckpointStatusCompleted:
		if c.CurrentWS != "" {
			return fmt.Errorf("completed checkpoint still has current workstream %s", c.CurrentWS)
		}
		if len(completed) != len(inOrder) {
			return fmt.Errorf("completed checkpoint has %d of %d workstreams completed",
				len(completed), len(inOrder))
		}
	case CheckpointStatusEscalated:
		if len(c.EscalatedWS) == 0 {
			return fmt.Errorf("escalated checkpoint records no escalated workstream")
		}
	}

	return nil
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.ExecutionOrder = slices.Clone(c.ExecutionOrder)
	out.CompletedWS = slices.Clone(c.CompletedWS)
	out.EscalatedWS = slices.Clone(c.EscalatedWS)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.Attempts != nil {
		out.Attempts = make(map[string]int, len(c.Attempts))
		for k, v := range c.Attempts {
			out.Attempts[k] = v
		}
	}
	return &out
}
