package engine

import (
	"fmt"
	"math/bits"
	"time"
)

// DefaultMaxAttempts is the default retry bound M.
const DefaultMaxAttempts = 3

// RetryPolicy decides, per build attempt, whether to retry or escalate.
//
// With bound M, attempt n failing retries while n <= M and escalates once
// n > M, so a workstream gets at most M+1 attempts.
type RetryPolicy struct {
	// MaxAttempts is the retry bound M.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseBackoff is the delay before the first retry. Zero disables backoff.
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}
}

// ShouldRetry reports whether a failed attempt n is followed by another attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxAttempts
}

// ShouldEscalate reports whether attempt n ends the workstream in escalation.
func (p RetryPolicy) ShouldEscalate(attempt int, failed bool) bool {
	return failed && attempt > p.MaxAttempts
}

// Backoff returns the delay before the attempt that follows attempt n:
// BaseBackoff * 2^(n-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 || attempt < 1 {
		return 0
	}

	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}

	// Shifting past the cap's bit length would overflow.
	shift := attempt - 1
	if shift >= bits.Len64(uint64(maxBackoff/p.BaseBackoff)) {
		return maxBackoff
	}
	delay := p.BaseBackoff << shift
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// AttemptPhase is the phase of a workstream's attempt state machine.
type AttemptPhase string

const (
	// PhaseAttempting means attempt N is due.
	PhaseAttempting AttemptPhase = "attempting"

	// PhaseSucceeded is terminal: an attempt succeeded.
	PhaseSucceeded AttemptPhase = "succeeded"

	// PhaseEscalated is terminal: attempts are exhausted.
	PhaseEscalated AttemptPhase = "escalated"
)

// AttemptState is the state of a single workstream's build attempts.
type AttemptState struct {
	Phase AttemptPhase `json:"phase"`

	// N is the number of the current attempt while attempting, and the number
	// of the last attempt once terminal.
	N int `json:"n"`
}

// Attempting returns the state in which attempt n is due.
func Attempting(n int) AttemptState {
	return AttemptState{Phase: PhaseAttempting, N: n}
}

// IsTerminal reports whether no further attempt will be made.
func (s AttemptState) IsTerminal() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseEscalated
}

func (s AttemptState) String() string {
	if s.Phase == PhaseAttempting {
		return fmt.Sprintf("attempting(%d)", s.N)
	}
	return string(s.Phase)
}

// Next applies the outcome of the current attempt. Terminal states do not move.
func (p RetryPolicy) Next(state AttemptState, succeeded bool) AttemptState {
	if state.IsTerminal() {
		return state
	}
	switch {
	case succeeded:
		return AttemptState{Phase: PhaseSucceeded, N: state.N}
	case p.ShouldEscalate(state.N, true):
		return AttemptState{Phase: PhaseEscalated, N: state.N}
	default:
		return Attempting(state.N + 1)
	}
}
