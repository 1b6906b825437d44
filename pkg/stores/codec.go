package stores

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

// encodeCheckpoint renders the canonical form of a checkpoint. Sets are
// written in execution order and times in UTC, so equal values encode to
// identical bytes.
func encodeCheckpoint(cp *engine.Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	if err := validateFeatureID(cp.FeatureID); err != nil {
		return nil, err
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}

	c := cp.Clone()
	c.StartedAt = c.StartedAt.UTC()
	if c.CompletedAt != nil {
		t := c.CompletedAt.UTC()
		c.CompletedAt = &t
	}
	c.CompletedWS = inOrder(c.ExecutionOrder, c.CompletedWS)
	c.EscalatedWS = inOrder(c.ExecutionOrder, c.EscalatedWS)
	if c.CompletedWS == nil {
		c.CompletedWS = []string{}
	}
	if len(c.Attempts) == 0 {
		c.Attempts = nil
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeCheckpoint parses a stored checkpoint. Undecodable data and
// invariant violations wrap engine.ErrCheckpointCorrupt.
func decodeCheckpoint(data []byte) (*engine.Checkpoint, error) {
	var cp engine.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrCheckpointCorrupt, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrCheckpointCorrupt, err)
	}
	if cp.CompletedWS == nil {
		cp.CompletedWS = []string{}
	}
	return &cp, nil
}

// guardTerminal refuses to replace a terminal checkpoint with anything but
// identical bytes. A corrupt existing record does not block the write.
func guardTerminal(existing, next []byte) error {
	if existing == nil || bytes.Equal(existing, next) {
		return nil
	}
	current, err := decodeCheckpoint(existing)
	if err != nil {
		return nil
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: feature %s is %s", engine.ErrCheckpointTerminal, current.FeatureID, current.Status)
	}
	return nil
}

// inOrder returns the members of set sorted by their position in order.
func inOrder(order, set []string) []string {
	if len(set) == 0 {
		return set
	}
	members := make(map[string]bool, len(set))
	for _, id := range set {
		members[id] = true
	}
	out := make([]string, 0, len(set))
	for _, id := range order {
		if members[id] {
			out = append(out, id)
		}
	}
	return out
}
