package builder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

func testRequest() engine.BuildRequest {
	return engine.BuildRequest{
		FeatureID: "F1",
		Item:      engine.WorkItem{ID: "00-001-01", FeatureID: "F1"},
		Tier:      "T1",
		Backend:   engine.ExecutionBackend{ID: "anthropic/sonnet", Provider: "anthropic", Model: "sonnet"},
		Attempt:   2,
		Previous:  []engine.BuildAttempt{{Number: 1, Error: "tests failed"}},
	}
}

func TestCommandBuilder_Success(t *testing.T) {
	b := NewCommandBuilder(`echo "$SDP_FEATURE_ID $SDP_WORKSTREAM_ID $SDP_TIER $SDP_BACKEND $SDP_MODEL $SDP_ATTEMPT $SDP_LAST_ERROR"`)

	outcome, err := b.Build(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !outcome.Success {
		t.Fatalf("Build() outcome = %+v, want success", outcome)
	}

	want := "F1 00-001-01 T1 anthropic/sonnet sonnet 2 tests failed"
	if outcome.Output != want {
		t.Errorf("Output = %q, want %q", outcome.Output, want)
	}
}

func TestCommandBuilder_Failure(t *testing.T) {
	b := NewCommandBuilder("echo compile error >&2; exit 3")

	outcome, err := b.Build(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if outcome.Success {
		t.Fatal("Build() succeeded, want failure")
	}
	if outcome.Error != "command exited with status 3" {
		t.Errorf("Error = %q", outcome.Error)
	}
	if outcome.Diagnostics != "compile error" {
		t.Errorf("Diagnostics = %q", outcome.Diagnostics)
	}
}

func TestCommandBuilder_ExtraEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	b := &CommandBuilder{
		Command: `printf "%s %s" "$AGENT" "$(pwd)"`,
		WorkDir: dir,
		Env:     map[string]string{"AGENT": "claude"},
	}

	outcome, err := b.Build(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.HasPrefix(outcome.Output, "claude ") || !strings.HasSuffix(outcome.Output, dir) {
		t.Errorf("Output = %q", outcome.Output)
	}
}

func TestCommandBuilder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := NewCommandBuilder("sleep 5").Build(ctx, testRequest())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if outcome.Success || !strings.Contains(outcome.Error, "interrupted") {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestCommandBuilder_Errors(t *testing.T) {
	if _, err := NewCommandBuilder("").Build(context.Background(), testRequest()); err == nil {
		t.Error("empty command should fail")
	}

	b := &CommandBuilder{Command: "true", Shell: "/nonexistent/shell"}
	if _, err := b.Build(context.Background(), testRequest()); err == nil {
		t.Error("missing shell should fail")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	if got := tb.String(); got != "...\ncdefg" {
		t.Errorf("String() = %q", got)
	}

	big := &tailBuffer{limit: 3}
	n, _ := big.Write([]byte("123456"))
	if n != 6 || big.String() != "...\n456" {
		t.Errorf("Write() = %d, String() = %q", n, big.String())
	}
}
