package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fall-out-bug/sdp-sub003/pkg/config"
	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/stores"
)

// Exit codes.
const (
	exitFailure   = 1
	exitEscalated = 2
	exitCancelled = 130
)

var (
	// Global flags
	configPath string
	stateDir   string
	storeName  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, errEscalated):
		return exitEscalated
	case engine.IsCancelled(err):
		return exitCancelled
	default:
		return exitFailure
	}
}

var errEscalated = errors.New("workstreams escalated")

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdp",
		Short: "sdp - workstream orchestrator",
		Long: `sdp executes the workstreams of a feature in dependency order.

Each workstream is routed to the best execution backend of its capability
tier and built with bounded retries. Workstreams that exhaust their retries
are escalated to a human, and progress is checkpointed after every step so
an interrupted run resumes where it stopped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (overrides settings and SDP_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&storeName, "store", "", "checkpoint store: file or sqlite (overrides settings and SDP_STORE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newEscalationsCommand())
	rootCmd.AddCommand(newOrderCommand())
	rootCmd.AddCommand(newRouteCommand())

	return rootCmd
}

// loadSettings reads the settings file and applies the global flag overrides.
func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		settings.Store.StateDir = stateDir
	}
	if storeName != "" {
		settings.Store.Driver = storeName
	}
	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func openStore(ctx context.Context, settings *config.Settings) (stores.Store, error) {
	store, err := stores.Open(ctx, stores.Driver(settings.Store.Driver), settings.Store.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", settings.Store.Driver, err)
	}
	return store, nil
}

// loadCatalog reads the catalog from path, falling back to the settings' catalog.
func loadCatalog(path string, settings *config.Settings) (engine.BackendCatalog, error) {
	if path == "" {
		path = settings.Catalog
	}
	if path == "" {
		return nil, fmt.Errorf("no backend catalog: pass --catalog or set catalog in the settings file")
	}
	return config.LoadCatalog(path)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
