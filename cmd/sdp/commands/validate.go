package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fall-out-bug/sdp-sub003/pkg/config"
	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/policy"
)

// validationReport is the outcome of a pre-flight check of a manifest.
type validationReport struct {
	FeatureID string            `json:"feature_id"`
	Order     []string          `json:"order"`
	Routes    map[string]string `json:"routes"`
	Policy    *policy.Result    `json:"policy"`
}

func newValidateCommand() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Check a manifest before executing it",
		Long: `Validate a manifest against the backend catalog without building anything.

This command checks:
  - the dependency graph resolves (no cycles or unknown workstreams)
  - every pending workstream routes to a backend of its tier
  - admission policies (built-in and configured Rego files)`,
		Example: `  sdp validate feature.yaml --catalog backends.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			manifest, err := config.LoadManifest(args[0])
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(catalogPath, settings)
			if err != nil {
				return err
			}

			report, err := validateManifest(ctx, settings, manifest, catalog)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			if !report.Policy.Allowed {
				return fmt.Errorf("manifest %s violates %d blocking policies", args[0], len(report.Policy.Blocking()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "backend catalog file (defaults to the settings' catalog)")

	return cmd
}

// validateManifest resolves, routes and policy-checks a manifest. Graph and
// routing problems are returned as errors; policy violations are reported.
func validateManifest(ctx context.Context, settings *config.Settings, manifest *config.Manifest, catalog engine.BackendCatalog) (*validationReport, error) {
	items := manifest.Items()
	edges := append(engine.EdgesFromItems(items), manifest.ExtraEdges()...)

	order, err := engine.NewResolver().Resolve(items, edges)
	if err != nil {
		return nil, err
	}

	opts := engine.DefaultOptions()
	for _, opt := range settings.OrchestratorOptions() {
		opt(&opts)
	}

	router := engine.NewRouter()
	routes := make(map[string]string, len(items))
	for _, item := range items {
		if item.Status == engine.ItemStatusCompleted || item.Status == engine.ItemStatusSuperseded {
			continue
		}
		tier := item.Tier
		if tier == "" {
			tier = opts.SizeTiers[item.Size]
		}
		if tier == "" {
			return nil, fmt.Errorf("workstream %s has no tier and no size", item.ID)
		}
		backend, err := router.Select(tier, catalog, item.MinContext, opts.Weights)
		if err != nil {
			return nil, fmt.Errorf("route workstream %s: %w", item.ID, err)
		}
		routes[item.ID] = backend.ID
	}

	result, err := checkPolicies(ctx, settings, manifest.FeatureID, items, catalog)
	if err != nil {
		return nil, err
	}

	return &validationReport{
		FeatureID: manifest.FeatureID,
		Order:     order,
		Routes:    routes,
		Policy:    result,
	}, nil
}

// checkPolicies evaluates the built-in and configured admission policies.
func checkPolicies(ctx context.Context, settings *config.Settings, featureID string, items []engine.WorkItem, catalog engine.BackendCatalog) (*policy.Result, error) {
	policies, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(settings.Policies.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, settings.Policies.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range settings.Policies.Disabled {
		if err := policies.SetEnabled(name, false); err != nil {
			return nil, err
		}
	}

	result, err := policies.Evaluate(ctx, featureID, items, catalog)
	if err != nil {
		return nil, err
	}
	for _, v := range result.Violations {
		if !v.Severity.Blocks() {
			log.Warn().Str("policy", v.Policy).Str("workstream", v.WorkstreamID).Msg(v.Message)
		}
	}
	for _, w := range result.Warnings {
		log.Warn().Msg(w)
	}
	return result, nil
}

func printReport(w io.Writer, report *validationReport) {
	fmt.Fprintf(w, "Feature %s: %d workstreams\n", report.FeatureID, len(report.Order))
	for i, id := range report.Order {
		route := report.Routes[id]
		if route == "" {
			route = "-"
		}
		fmt.Fprintf(w, "  %d. %-20s %s\n", i+1, id, route)
	}
	if len(report.Policy.Violations) == 0 {
		fmt.Fprintln(w, "Policies: ok")
		return
	}
	fmt.Fprintln(w, "Policies:")
	for _, v := range report.Policy.Violations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
}
