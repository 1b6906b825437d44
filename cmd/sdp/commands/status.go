package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status [feature]",
		Short: "Show execution progress",
		Long: `Show the progress of a feature from its checkpoint.

Without a feature, every feature with a checkpoint is listed. With --follow
the progress is printed again whenever the checkpoint changes, until the
feature reaches a terminal status or the command is interrupted.`,
		Example: `  # List all features
  sdp status

  # Watch a running feature
  sdp status F012 --follow`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			monitor := engine.NewMonitor(store)

			if len(args) == 0 {
				return listProgress(ctx, out, store, monitor)
			}

			featureID := args[0]
			if follow {
				return followProgress(ctx, out, store, featureID)
			}

			progress, err := monitor.Progress(ctx, featureID)
			if err != nil {
				return err
			}
			if progress == nil {
				return fmt.Errorf("no checkpoint for feature %s", featureID)
			}
			return writeProgress(out, progress)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress on every checkpoint change")

	return cmd
}

func listProgress(ctx context.Context, out io.Writer, store stores.Store, monitor *engine.Monitor) error {
	features, err := store.ListFeatures(ctx)
	if err != nil {
		return err
	}

	all := make([]*engine.Progress, 0, len(features))
	for _, featureID := range features {
		progress, err := monitor.Progress(ctx, featureID)
		if err != nil {
			return err
		}
		if progress == nil {
			log.Warn().Str("feature", featureID).Msg("Checkpoint unreadable, skipping")
			continue
		}
		all = append(all, progress)
	}

	if jsonOutput {
		return printJSON(out, all)
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "No features")
		return nil
	}
	for _, progress := range all {
		fmt.Fprintln(out, formatProgress(progress))
	}
	return nil
}

func followProgress(ctx context.Context, out io.Writer, store stores.Store, featureID string) error {
	updates, err := store.Watch(ctx, featureID)
	if err != nil {
		return err
	}

	for cp := range updates {
		if cp == nil {
			fmt.Fprintf(out, "%s: no checkpoint\n", featureID)
			continue
		}
		progress := engine.ProgressOf(cp)
		if err := writeProgress(out, progress); err != nil {
			return err
		}
		if progress.Status.IsTerminal() {
			return nil
		}
	}
	return ctx.Err()
}

func writeProgress(out io.Writer, progress *engine.Progress) error {
	if jsonOutput {
		return printJSON(out, progress)
	}
	_, err := fmt.Fprintln(out, formatProgress(progress))
	return err
}

func formatProgress(p *engine.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %d/%d (%.0f%%)", p.FeatureID, p.Status, p.Completed, p.Total, p.Percentage)
	if p.Current != "" {
		fmt.Fprintf(&b, " current=%s", p.Current)
	}
	if len(p.Escalated) > 0 {
		fmt.Fprintf(&b, " escalated=%s", strings.Join(p.Escalated, ","))
	}
	if len(p.Remaining) > 0 {
		fmt.Fprintf(&b, " remaining=%s", strings.Join(p.Remaining, ","))
	}
	return b.String()
}
