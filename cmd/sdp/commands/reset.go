package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <feature>",
		Short: "Delete a feature's checkpoint",
		Long: `Delete the checkpoint of a feature so its next execution starts fresh.

Completed and escalated checkpoints are never overwritten by a new run;
resetting is the only way to run such a feature again. Escalation records
are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			featureID := args[0]

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			cp, loadErr := store.Load(ctx, featureID)
			if loadErr != nil {
				log.Warn().Err(loadErr).Str("feature", featureID).Msg("Existing checkpoint unreadable")
			}
			if err := store.Delete(ctx, featureID); err != nil {
				return err
			}

			if loadErr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: reset (checkpoint was unreadable)\n", featureID)
				return nil
			}
			if cp == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no checkpoint to reset\n", featureID)
				return nil
			}
			log.Info().Str("feature", featureID).Str("status", string(cp.Status)).Msg("Checkpoint reset")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reset (was %s)\n", featureID, cp.Status)
			return nil
		},
	}

	return cmd
}
