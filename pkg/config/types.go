package config

import (
	"time"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

// CatalogFile is the on-disk form of a backend catalog.
type CatalogFile struct {
	// Tiers maps a tier label to its ordered backends.
	Tiers map[string][]BackendConfig `yaml:"tiers" validate:"required,min=1,dive,keys,required,endkeys,dive"`
}

// BackendConfig describes one execution backend.
type BackendConfig struct {
	// ID identifies the backend. Defaults to "<provider>/<model>".
	ID string `yaml:"id,omitempty"`

	// Provider is the execution provider name (e.g., "anthropic").
	Provider string `yaml:"provider" validate:"required"`

	// Model is the model name within the provider.
	Model string `yaml:"model" validate:"required"`

	// CostPerUnit is the relative cost of the backend.
	CostPerUnit float64 `yaml:"cost_per_unit" validate:"gte=0"`

	// Availability is the fraction of time the backend is available (0-1).
	Availability float64 `yaml:"availability" validate:"gte=0,lte=1"`

	// ContextCapacity is the maximum context size in units.
	ContextCapacity int `yaml:"context_capacity" validate:"gte=0"`

	// SupportsToolUse reports whether the backend can drive tools.
	SupportsToolUse bool `yaml:"supports_tool_use"`
}

// Manifest is the structured list of workstreams of one feature.
type Manifest struct {
	// FeatureID is the feature all workstreams belong to.
	FeatureID string `yaml:"feature_id" validate:"required"`

	// Workstreams are the feature's work items.
	Workstreams []WorkstreamConfig `yaml:"workstreams" validate:"required,min=1,dive"`

	// Edges are dependency edges in addition to each item's depends_on.
	Edges []EdgeConfig `yaml:"edges,omitempty" validate:"dive"`
}

// WorkstreamConfig is one work item in a manifest.
type WorkstreamConfig struct {
	ID           string   `yaml:"id" validate:"required"`
	Size         string   `yaml:"size,omitempty" validate:"omitempty,oneof=small medium large"`
	Tier         string   `yaml:"tier,omitempty"`
	MinContext   int      `yaml:"min_context,omitempty" validate:"gte=0"`
	Status       string   `yaml:"status,omitempty"`
	DependsOn    []string `yaml:"depends_on,omitempty" validate:"dive,required"`
	SupersededBy string   `yaml:"superseded_by,omitempty"`
}

// EdgeConfig is an explicit dependency edge: From waits for To.
type EdgeConfig struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`
}

// Settings is the CLI and orchestrator configuration.
type Settings struct {
	// Catalog is the path of the backend catalog file. Relative paths are
	// resolved against the settings file's directory.
	Catalog string `yaml:"catalog,omitempty"`

	// Orchestrator configures execution.
	Orchestrator OrchestratorSettings `yaml:"orchestrator"`

	// Store configures checkpoint persistence.
	Store StoreSettings `yaml:"store"`

	// Policies configures admission policies checked before execution.
	Policies PolicySettings `yaml:"policies"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// PolicySettings configures the Rego admission policies.
type PolicySettings struct {
	// Paths lists .rego files or directories loaded on top of the built-ins.
	// Relative paths are resolved against the settings file's directory.
	Paths []string `yaml:"paths,omitempty" validate:"dive,required"`

	// Disabled lists policy names to skip.
	Disabled []string `yaml:"disabled,omitempty"`
}

// OrchestratorSettings configures the orchestrator.
type OrchestratorSettings struct {
	// MaxAttempts is the retry bound: a workstream gets at most MaxAttempts+1 attempts.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// AttemptTimeout bounds each build attempt. Zero disables the timeout.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gte=0"`

	// MaxParallel is the number of workstreams built concurrently.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1"`

	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gte=0"`

	// Weights are the router scoring weights.
	Weights engine.Weights `yaml:"weights"`

	// SizeTiers maps small/medium/large to a tier label.
	SizeTiers map[string]string `yaml:"size_tiers" validate:"dive,keys,oneof=small medium large,endkeys,required"`
}

// StoreSettings configures the checkpoint store.
type StoreSettings struct {
	// Driver selects the store implementation (file, sqlite).
	Driver string `yaml:"driver" validate:"required,oneof=file sqlite"`

	// StateDir is the directory holding checkpoints and escalations.
	StateDir string `yaml:"state_dir" validate:"required"`
}
