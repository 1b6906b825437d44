package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

func newRouteCommand() *cobra.Command {
	var (
		catalogPath string
		minContext  int
	)

	cmd := &cobra.Command{
		Use:   "route <tier>",
		Short: "Score the backends of a tier",
		Long: `Score every backend of a tier with the configured router weights and
show which one the orchestrator would select.`,
		Example: `  sdp route T1 --catalog backends.yaml --min-context 100000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := args[0]

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(catalogPath, settings)
			if err != nil {
				return err
			}

			weights := settings.Orchestrator.Weights
			if weights.IsZero() {
				weights = engine.DefaultWeights()
			}

			router := engine.NewRouter()
			scored, err := router.Score(tier, catalog, minContext, weights)
			if err != nil {
				return err
			}
			selected, err := router.Select(tier, catalog, minContext, weights)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"tier":       tier,
					"weights":    weights,
					"candidates": scored,
					"selected":   selected.ID,
				})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tBACKEND\tSCORE\tCOST\tAVAILABILITY\tCONTEXT")
			for _, s := range scored {
				mark := ""
				if s.Backend.ID == selected.ID {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%.3f\t%.3f\n",
					mark, s.Backend.ID, s.Score, s.CostScore, s.AvailabilityScore, s.ContextScore)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "backend catalog file (defaults to the settings' catalog)")
	cmd.Flags().IntVar(&minContext, "min-context", 0, "minimum context capacity")

	return cmd
}
