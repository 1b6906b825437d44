// Package builder provides engine.Builder implementations that run a build
// attempt outside the orchestrator process.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

// Environment passed to every attempt command.
const (
	EnvFeatureID    = "SDP_FEATURE_ID"
	EnvWorkstreamID = "SDP_WORKSTREAM_ID"
	EnvTier         = "SDP_TIER"
	EnvBackend      = "SDP_BACKEND"
	EnvProvider     = "SDP_PROVIDER"
	EnvModel        = "SDP_MODEL"
	EnvAttempt      = "SDP_ATTEMPT"
	EnvLastError    = "SDP_LAST_ERROR"
)

const waitDelay = 2 * time.Second

// DefaultMaxOutput bounds the captured stdout and stderr of one attempt.
const DefaultMaxOutput = 64 * 1024

// CommandBuilder runs a shell command per build attempt. Exit status 0 is a
// successful attempt; anything else fails it with the captured stderr as
// diagnostics.
type CommandBuilder struct {
	// Command is run with Shell -c.
	Command string

	// Shell defaults to /bin/sh.
	Shell string

	// WorkDir is the command's working directory. Empty means the current one.
	WorkDir string

	// Env is appended to the inherited environment.
	Env map[string]string

	// MaxOutput caps captured output per stream. Zero uses DefaultMaxOutput.
	MaxOutput int
}

// NewCommandBuilder creates a builder running command through /bin/sh.
func NewCommandBuilder(command string) *CommandBuilder {
	return &CommandBuilder{Command: command}
}

// Build runs the command for one attempt. A failure to start the command is
// returned as an error; a non-zero exit is a failed outcome.
func (b *CommandBuilder) Build(ctx context.Context, req engine.BuildRequest) (*engine.BuildOutcome, error) {
	if b.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := b.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", b.Command)
	if b.WorkDir != "" {
		cmd.Dir = b.WorkDir
	}
	cmd.Env = append(os.Environ(), attemptEnv(req, b.Env)...)
	// Children of the shell may keep the output pipes open after it is killed.
	cmd.WaitDelay = waitDelay

	stdout, stderr := newOutputBuffers(b.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	outcome := &engine.BuildOutcome{
		Output:      stdout.String(),
		Diagnostics: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		outcome.Success = true
	case ctx.Err() != nil:
		outcome.Error = fmt.Sprintf("command interrupted: %v", ctx.Err())
	case errors.As(err, &exitErr):
		outcome.Error = fmt.Sprintf("command exited with status %d", exitErr.ExitCode())
	default:
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	return outcome, nil
}

// attemptEnv returns the KEY=value pairs describing one attempt, followed by
// extra in key order.
func attemptEnv(req engine.BuildRequest, extra map[string]string) []string {
	env := []string{
		EnvFeatureID + "=" + req.FeatureID,
		EnvWorkstreamID + "=" + req.Item.ID,
		EnvTier + "=" + req.Tier,
		EnvBackend + "=" + req.Backend.ID,
		EnvProvider + "=" + req.Backend.Provider,
		EnvModel + "=" + req.Backend.Model,
		EnvAttempt + "=" + strconv.Itoa(req.Attempt),
	}
	if n := len(req.Previous); n > 0 {
		env = append(env, EnvLastError+"="+req.Previous[n-1].Error)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func newOutputBuffers(limit int) (*tailBuffer, *tailBuffer) {
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	return &tailBuffer{limit: limit}, &tailBuffer{limit: limit}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
		t.truncated = true
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	s := strings.TrimRight(t.buf.String(), "\n")
	if t.truncated {
		return "...\n" + s
	}
	return s
}
