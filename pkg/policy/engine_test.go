package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func testCatalog() engine.BackendCatalog {
	return engine.BackendCatalog{
		"T0": {{ID: "anthropic/opus", ContextCapacity: 200_000}},
		"T2": {{ID: "anthropic/haiku", ContextCapacity: 100_000}},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"supersede-target", "tier-capacity", "workstream-id"}
	if len(policies) != len(want) {
		t.Fatalf("got %d built-in policies, want %d", len(policies), len(want))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d = %s, want %s", i, p.Name, want[i])
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	tests := []struct {
		name        string
		items       []engine.WorkItem
		wantAllowed bool
		wantPolicy  string
		wantMessage string
	}{
		{
			name: "clean feature",
			items: []engine.WorkItem{
				{ID: "00-012-01", Tier: "T2", MinContext: 50_000},
				{ID: "00-012-02", Size: engine.ItemSizeLarge},
			},
			wantAllowed: true,
		},
		{
			name:        "non-standard id warns",
			items:       []engine.WorkItem{{ID: "setup-db"}},
			wantAllowed: true,
			wantPolicy:  "workstream-id",
			wantMessage: "setup-db does not follow",
		},
		{
			name: "unknown supersede target",
			items: []engine.WorkItem{
				{ID: "00-012-01", SupersededBy: "00-012-09"},
			},
			wantAllowed: false,
			wantPolicy:  "supersede-target",
			wantMessage: "unknown workstream 00-012-09",
		},
		{
			name:        "self supersede",
			items:       []engine.WorkItem{{ID: "00-012-01", SupersededBy: "00-012-01"}},
			wantAllowed: false,
			wantPolicy:  "supersede-target",
			wantMessage: "supersedes itself",
		},
		{
			name:        "context exceeds tier",
			items:       []engine.WorkItem{{ID: "00-012-01", Tier: "T2", MinContext: 150_000}},
			wantAllowed: false,
			wantPolicy:  "tier-capacity",
			wantMessage: "no backend in tier T2",
		},
		{
			name:        "unknown tier",
			items:       []engine.WorkItem{{ID: "00-012-01", Tier: "T7"}},
			wantAllowed: false,
			wantPolicy:  "tier-capacity",
			wantMessage: "requires tier T7",
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), "F012", tt.items, testCatalog())
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations %+v)", result.Allowed, tt.wantAllowed, result.Violations)
			}
			if tt.wantPolicy == "" {
				if len(result.Violations) != 0 {
					t.Errorf("unexpected violations: %+v", result.Violations)
				}
				return
			}

			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.wantPolicy && strings.Contains(v.Message, tt.wantMessage) {
					found = true
					if v.WorkstreamID != tt.items[0].ID {
						t.Errorf("WorkstreamID = %q", v.WorkstreamID)
					}
				}
			}
			if !found {
				t.Errorf("no %s violation containing %q in %+v", tt.wantPolicy, tt.wantMessage, result.Violations)
			}
		})
	}
}

func TestEvaluate_DisabledPolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.SetEnabled("workstream-id", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if err := eng.SetEnabled("missing", false); err == nil {
		t.Error("SetEnabled() on unknown policy should fail")
	}

	result, err := eng.Evaluate(context.Background(), "F1", []engine.WorkItem{{ID: "A"}}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(result.Violations) != 0 {
		t.Errorf("unexpected violations: %+v", result.Violations)
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	rego := `# Large workstreams must run on the top tier.
# severity: error
package team.large_on_t0

deny contains msg if {
	input.workstream.size == "large"
	input.workstream.tier != "T0"
	msg := sprintf("%s is large but routed to %s", [input.workstream.id, input.workstream.tier])
}
`
	if err := os.WriteFile(filepath.Join(dir, "large_on_t0.rego"), []byte(rego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	var loaded *Policy
	for _, p := range eng.ListPolicies() {
		if p.Name == "large_on_t0" {
			p := p
			loaded = &p
		}
	}
	if loaded == nil {
		t.Fatal("large_on_t0 not loaded")
	}
	if loaded.Severity != SeverityError {
		t.Errorf("Severity = %s, want error", loaded.Severity)
	}
	if loaded.Description != "Large workstreams must run on the top tier." {
		t.Errorf("Description = %q", loaded.Description)
	}

	items := []engine.WorkItem{{ID: "00-001-01", Size: engine.ItemSizeLarge, Tier: "T2"}}
	result, err := eng.Evaluate(context.Background(), "F1", items, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	blocking := result.Blocking()
	if result.Allowed || len(blocking) != 1 || blocking[0].Policy != "large_on_t0" {
		t.Errorf("result = %+v", result)
	}
}

func TestLoadPolicies_JSON(t *testing.T) {
	dir := t.TempDir()
	bundle := `{
  "name": "no-large-items",
  "rego": "package team.no_large\n\ndeny contains msg if {\n\tinput.workstream.size == \"large\"\n\tmsg := sprintf(\"%s should be split\", [input.workstream.id])\n}\n"
}`
	path := filepath.Join(dir, "no_large.json")
	if err := os.WriteFile(path, []byte(bundle), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	items := []engine.WorkItem{{ID: "00-001-01", Size: engine.ItemSizeLarge, Tier: "T0"}}
	result, err := eng.Evaluate(context.Background(), "F1", items, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("warning-level policy blocked: %+v", result)
	}

	var found bool
	for _, v := range result.Violations {
		if v.Policy == "no-large-items" {
			found = true
			if v.Severity != SeverityWarning || v.Message != "00-001-01 should be split" {
				t.Errorf("violation = %+v", v)
			}
		}
	}
	if !found {
		t.Errorf("no-large-items did not fire: %+v", result.Violations)
	}
}

func TestLoadPolicies_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains msg if {\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("LoadPolicies() with a syntax error should fail")
	}
	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("LoadPolicies() with a missing path should fail")
	}
}

func TestExtractSeverity(t *testing.T) {
	tests := []struct {
		content string
		want    Severity
	}{
		{"# severity: error\npackage x", SeverityError},
		{"# Severity: INFO\npackage x", SeverityInfo},
		{"# severity: fatal\npackage x", SeverityWarning},
		{"package x", SeverityWarning},
	}
	for _, tt := range tests {
		if got := extractSeverity(tt.content); got != tt.want {
			t.Errorf("extractSeverity(%q) = %s, want %s", tt.content, got, tt.want)
		}
	}
}
