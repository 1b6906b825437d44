package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/stores"
	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

// Environment variables that override settings.
const (
	EnvStateDir = "SDP_STATE_DIR"
	EnvStore    = "SDP_STORE"
	EnvLogLevel = "LOG_LEVEL"
)

// DefaultStateDir is the state directory used when none is configured.
const DefaultStateDir = ".sdp"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadCatalog reads and validates a backend catalog file.
func LoadCatalog(path string) (engine.BackendCatalog, error) {
	var file CatalogFile
	if err := decodeFile(path, &file); err != nil {
		return nil, err
	}
	return file.ToCatalog()
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (engine.BackendCatalog, error) {
	var file CatalogFile
	if err := decode(data, &file); err != nil {
		return nil, err
	}
	return file.ToCatalog()
}

// ToCatalog validates the file and converts it to an engine catalog.
func (f *CatalogFile) ToCatalog() (engine.BackendCatalog, error) {
	if err := validateStruct(f); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	catalog := make(engine.BackendCatalog, len(f.Tiers))
	for tier, backends := range f.Tiers {
		if len(backends) == 0 {
			return nil, fmt.Errorf("invalid catalog: tier %s has no backends", tier)
		}
		seen := make(map[string]bool, len(backends))
		out := make([]engine.ExecutionBackend, 0, len(backends))
		for _, b := range backends {
			id := b.ID
			if id == "" {
				id = b.Provider + "/" + b.Model
			}
			if seen[id] {
				return nil, fmt.Errorf("invalid catalog: duplicate backend %s in tier %s", id, tier)
			}
			seen[id] = true
			out = append(out, engine.ExecutionBackend{
				ID:              id,
				Provider:        b.Provider,
				Model:           b.Model,
				Tier:            tier,
				CostPerUnit:     b.CostPerUnit,
				Availability:    b.Availability,
				ContextCapacity: b.ContextCapacity,
				SupportsToolUse: b.SupportsToolUse,
			})
		}
		catalog[tier] = out
	}
	return catalog, nil
}

// LoadManifest reads and validates a workstream manifest.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if err := decodeFile(path, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseManifest parses manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks field constraints, statuses and duplicate IDs. Graph
// problems such as cycles are left to the resolver.
func (m *Manifest) Validate() error {
	if err := validateStruct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Workstreams))
	for _, ws := range m.Workstreams {
		if seen[ws.ID] {
			return fmt.Errorf("invalid manifest: duplicate workstream %s", ws.ID)
		}
		seen[ws.ID] = true
		if _, err := engine.ParseItemStatus(ws.Status); err != nil {
			return fmt.Errorf("invalid manifest: workstream %s: %w", ws.ID, err)
		}
	}
	return nil
}

// Items converts the manifest's workstreams to work items.
func (m *Manifest) Items() []engine.WorkItem {
	items := make([]engine.WorkItem, 0, len(m.Workstreams))
	for _, ws := range m.Workstreams {
		// Validate has already rejected unknown statuses.
		status, _ := engine.ParseItemStatus(ws.Status)
		items = append(items, engine.WorkItem{
			ID:           ws.ID,
			FeatureID:    m.FeatureID,
			Size:         engine.ItemSize(ws.Size),
			Tier:         ws.Tier,
			MinContext:   ws.MinContext,
			Status:       status,
			DependsOn:    append([]string(nil), ws.DependsOn...),
			SupersededBy: ws.SupersededBy,
		})
	}
	return items
}

// ExtraEdges returns the manifest's explicit edges.
func (m *Manifest) ExtraEdges() []engine.DependencyEdge {
	edges := make([]engine.DependencyEdge, 0, len(m.Edges))
	for _, e := range m.Edges {
		edges = append(edges, engine.DependencyEdge{From: e.From, To: e.To})
	}
	return edges
}

// DefaultSettings returns settings matching the orchestrator defaults.
func DefaultSettings() *Settings {
	retry := engine.DefaultRetryPolicy()
	opts := engine.DefaultOptions()

	sizeTiers := make(map[string]string, len(opts.SizeTiers))
	for size, tier := range opts.SizeTiers {
		sizeTiers[string(size)] = tier
	}

	return &Settings{
		Orchestrator: OrchestratorSettings{
			MaxAttempts: retry.MaxAttempts,
			MaxParallel: opts.MaxParallel,
			BaseBackoff: retry.BaseBackoff,
			MaxBackoff:  retry.MaxBackoff,
			Weights:     opts.Weights,
			SizeTiers:   sizeTiers,
		},
		Store: StoreSettings{
			Driver:   string(stores.DriverFile),
			StateDir: DefaultStateDir,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadSettings reads settings from path on top of the defaults and applies
// environment overrides. An empty path yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path != "" {
		if err := decodeFile(path, s); err != nil {
			return nil, err
		}
		base := filepath.Dir(path)
		s.Catalog = resolvePath(base, s.Catalog)
		for i, p := range s.Policies.Paths {
			s.Policies.Paths[i] = resolvePath(base, p)
		}
	}
	s.ApplyEnv(os.Getenv)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyEnv applies SDP_STATE_DIR, SDP_STORE and LOG_LEVEL overrides.
func (s *Settings) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvStateDir); v != "" {
		s.Store.StateDir = v
	}
	if v := getenv(EnvStore); v != "" {
		s.Store.Driver = strings.ToLower(v)
	}
	if v := getenv(EnvLogLevel); v != "" {
		if s.Telemetry == nil {
			s.Telemetry = telemetry.DefaultConfig()
		}
		s.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validateStruct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	w := s.Orchestrator.Weights
	if w.Cost < 0 || w.Availability < 0 || w.Context < 0 {
		return fmt.Errorf("invalid settings: router weights must not be negative")
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry settings: %w", err)
		}
	}
	return nil
}

// OrchestratorOptions converts the settings to orchestrator options.
func (s *Settings) OrchestratorOptions() []engine.Option {
	o := s.Orchestrator

	sizeTiers := engine.DefaultSizeTiers()
	for size, tier := range o.SizeTiers {
		sizeTiers[engine.ItemSize(size)] = tier
	}

	opts := []engine.Option{
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts: o.MaxAttempts,
			BaseBackoff: o.BaseBackoff,
			MaxBackoff:  o.MaxBackoff,
		}),
		engine.WithAttemptTimeout(o.AttemptTimeout),
		engine.WithMaxParallel(o.MaxParallel),
		engine.WithSizeTiers(sizeTiers),
	}
	if !o.Weights.IsZero() {
		opts = append(opts, engine.WithWeights(o.Weights))
	}
	return opts
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := decode(data, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// decode parses YAML strictly: unknown fields are errors.
func decode(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// validateStruct runs struct validation and flattens the field errors into
// one readable message.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("%s failed %q", trimNamespace(fe.Namespace()), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s failed %q (%s)", trimNamespace(fe.Namespace()), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}

// trimNamespace drops the root struct name from a validator namespace.
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
