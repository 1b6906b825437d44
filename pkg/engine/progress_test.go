package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

type corruptStore struct {
	memoryStore
	err error
}

func (s *corruptStore) Load(ctx context.Context, featureID string) (*Checkpoint, error) {
	return nil, s.err
}

func TestMonitor_Progress(t *testing.T) {
	store := newMemoryStore()
	store.checkpoints["F1"] = &Checkpoint{
		FeatureID:      "F1",
		ExecutionOrder: []string{"A", "B", "C", "D"},
		CompletedWS:    []string{"A", "B"},
		CurrentWS:      "C",
		EscalatedWS:    []string{"D"},
		Status:         CheckpointStatusRunning,
	}

	p, err := NewMonitor(store).Progress(context.Background(), "F1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.Total != 4 || p.Completed != 2 || p.Current != "C" || p.Percentage != 50 {
		t.Errorf("Unexpected progress: %+v", p)
	}
	if !reflect.DeepEqual(p.Escalated, []string{"D"}) || !reflect.DeepEqual(p.Remaining, []string{"C"}) {
		t.Errorf("Unexpected escalated/remaining: %v / %v", p.Escalated, p.Remaining)
	}
}

func TestMonitor_Progress_NoCheckpoint(t *testing.T) {
	p, err := NewMonitor(newMemoryStore()).Progress(context.Background(), "F1")
	if err != nil || p != nil {
		t.Errorf("Expected nil progress and no error, got %+v, %v", p, err)
	}
}

func TestMonitor_Progress_CorruptReadsAsAbsent(t *testing.T) {
	store := &corruptStore{err: fmt.Errorf("decode: %w", ErrCheckpointCorrupt)}
	p, err := NewMonitor(store).Progress(context.Background(), "F1")
	if err != nil || p != nil {
		t.Errorf("Expected nil progress and no error, got %+v, %v", p, err)
	}

	store.err = errors.New("permission denied")
	if _, err := NewMonitor(store).Progress(context.Background(), "F1"); err == nil {
		t.Error("Expected other load errors to be returned")
	}
}

func TestProgressOf_EmptyOrder(t *testing.T) {
	p := ProgressOf(&Checkpoint{FeatureID: "F1", Status: CheckpointStatusCompleted})
	if p.Percentage != 0 || p.Total != 0 {
		t.Errorf("Expected 0%% of 0, got %+v", p)
	}
}
