package engine

import (
	"testing"
	"time"
)

func TestParseItemStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    ItemStatus
		wantErr bool
	}{
		{in: "", want: ItemStatusBacklog},
		{in: "backlog", want: ItemStatusBacklog},
		{in: "in_progress", want: ItemStatusInProgress},
		{in: "In-Progress", want: ItemStatusInProgress},
		{in: " completed ", want: ItemStatusCompleted},
		{in: "superseded", want: ItemStatusSuperseded},
		{in: "done", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseItemStatus(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseItemStatus(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseItemStatus(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestCheckpointStatus_IsTerminal(t *testing.T) {
	if CheckpointStatusRunning.IsTerminal() {
		t.Error("Expected running not to be terminal")
	}
	for _, s := range []CheckpointStatus{CheckpointStatusCompleted, CheckpointStatusFailed, CheckpointStatusEscalated} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
}

func TestCheckpoint_Validate(t *testing.T) {
	valid := func() *Checkpoint {
		return &Checkpoint{
			FeatureID:      "F1",
			ExecutionOrder: []string{"A", "B", "C"},
			CompletedWS:    []string{"A"},
			CurrentWS:      "B",
			Status:         CheckpointStatusRunning,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Checkpoint)
		wantErr bool
	}{
		{name: "valid running", mutate: func(*Checkpoint) {}},
		{name: "empty feature", mutate: func(c *Checkpoint) { c.FeatureID = "" }, wantErr: true},
		{name: "bad status", mutate: func(c *Checkpoint) { c.Status = "paused" }, wantErr: true},
		{name: "duplicate order", mutate: func(c *Checkpoint) { c.ExecutionOrder = []string{"A", "A"} }, wantErr: true},
		{name: "completed outside order", mutate: func(c *Checkpoint) { c.CompletedWS = []string{"Z"} }, wantErr: true},
		{name: "current outside order", mutate: func(c *Checkpoint) { c.CurrentWS = "Z" }, wantErr: true},
		{name: "current completed", mutate: func(c *Checkpoint) { c.CurrentWS = "A" }, wantErr: true},
		{name: "escalated also completed", mutate: func(c *Checkpoint) { c.EscalatedWS = []string{"A"} }, wantErr: true},
		{name: "completed with current", mutate: func(c *Checkpoint) {
			c.Status = CheckpointStatusCompleted
			c.CompletedWS = []string{"A", "B", "C"}
			c.CurrentWS = "B"
		}, wantErr: true},
		{name: "completed with remaining", mutate: func(c *Checkpoint) {
			c.Status = CheckpointStatusCompleted
			c.CurrentWS = ""
		}, wantErr: true},
		{name: "completed", mutate: func(c *Checkpoint) {
			c.Status = CheckpointStatusCompleted
			c.CompletedWS = []string{"C", "B", "A"}
			c.CurrentWS = ""
		}},
		{name: "escalated without record", mutate: func(c *Checkpoint) { c.Status = CheckpointStatusEscalated }, wantErr: true},
		{name: "escalated", mutate: func(c *Checkpoint) {
			c.Status = CheckpointStatusEscalated
			c.EscalatedWS = []string{"B"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := valid()
			tt.mutate(cp)
			err := cp.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestCheckpoint_CloneIsDeep(t *testing.T) {
	now := time.Now()
	cp := &Checkpoint{
		FeatureID:      "F1",
		ExecutionOrder: []string{"A"},
		CompletedWS:    []string{"A"},
		CompletedAt:    &now,
		Attempts:       map[string]int{"A": 1},
	}

	clone := cp.Clone()
	clone.ExecutionOrder[0] = "Z"
	clone.CompletedWS[0] = "Z"
	clone.Attempts["A"] = 9
	*clone.CompletedAt = now.Add(time.Hour)

	if cp.ExecutionOrder[0] != "A" || cp.CompletedWS[0] != "A" || cp.Attempts["A"] != 1 || !cp.CompletedAt.Equal(now) {
		t.Errorf("Expected original to be unchanged, got %+v", cp)
	}
	if (*Checkpoint)(nil).Clone() != nil {
		t.Error("Expected nil clone of nil")
	}
}
