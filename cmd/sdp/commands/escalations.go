package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEscalationsCommand() *cobra.Command {
	var details bool

	cmd := &cobra.Command{
		Use:   "escalations [feature]",
		Short: "List escalated workstreams",
		Long: `List the escalation log, oldest first. Without a feature every
feature's escalations are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var featureID string
			if len(args) == 1 {
				featureID = args[0]
			}

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListEscalations(ctx, featureID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No escalations")
				return nil
			}

			if details {
				for _, r := range records {
					fmt.Fprintf(out, "== %s %s/%s (%s)\n%s\n\n", r.ID, r.FeatureID, r.WorkstreamID, r.Timestamp.Format(time.RFC3339), r.Diagnostics)
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tFEATURE\tWORKSTREAM\tTIER\tBACKEND\tATTEMPTS\tMESSAGE")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.FeatureID, r.WorkstreamID, r.Tier, r.BackendID, r.AttemptCount, r.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&details, "details", false, "print the full diagnostics of each escalation")

	return cmd
}
