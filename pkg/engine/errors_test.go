package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("x"), want: ""},
		{name: "configuration", err: NewConfigurationError("bad", nil), want: ErrorClassConfiguration},
		{name: "wrapped cycle", err: fmt.Errorf("resolve: %w", &CycleError{Cycle: []string{"A", "A"}}), want: ErrorClassConfiguration},
		{name: "unknown tier", err: &UnknownTierError{Tier: "T9"}, want: ErrorClassConfiguration},
		{name: "attempt", err: NewAttemptError("failed", nil), want: ErrorClassAttempt},
		{name: "persistence", err: NewPersistenceError("save", errors.New("disk")), want: ErrorClassPersistence},
		{name: "corrupt sentinel", err: fmt.Errorf("load: %w", ErrCheckpointCorrupt), want: ErrorClassPersistence},
		{name: "context cancelled", err: context.Canceled, want: ErrorClassCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineError_Format(t *testing.T) {
	err := NewPersistenceError("failed to save checkpoint", errors.New("disk full")).
		WithCode(ErrCodeCheckpointSave).
		WithResource("F1")

	msg := err.Error()
	for _, want := range []string{"[persistence]", "failed to save checkpoint", "resource=F1", "disk full"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassPersistence, Code: ErrCodeCheckpointSave}) {
		t.Error("Expected errors.Is to match on class and code")
	}
}

func TestTypedErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&CycleError{Cycle: []string{"A", "B", "A"}}, "A -> B -> A"},
		{&MissingDependencyError{Item: "A", Missing: "Z"}, "Z"},
		{&UnknownTierError{Tier: "T9"}, "T9"},
		{&NoCandidateError{Tier: "T0", MinimumContext: 500}, "500"},
	}
	for _, tt := range tests {
		if !strings.Contains(tt.err.Error(), tt.want) {
			t.Errorf("Expected %q in %q", tt.want, tt.err.Error())
		}
	}
}
