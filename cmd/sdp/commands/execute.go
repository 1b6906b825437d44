package commands

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fall-out-bug/sdp-sub003/pkg/builder"
	"github.com/fall-out-bug/sdp-sub003/pkg/config"
	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/stores"
	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

func newExecuteCommand() *cobra.Command {
	var (
		catalogPath    string
		agentCmd       string
		workDir        string
		metricsAddr    string
		maxAttempts    int
		skipPolicies   bool
		parallel       int
		attemptTimeout time.Duration
		agentHost      string
		sshKey         string
		sshKnownHosts  string
		sshInsecure    bool
		stageAgent     bool
	)

	cmd := &cobra.Command{
		Use:   "execute <manifest>",
		Short: "Execute the workstreams of a feature",
		Long: `Execute every pending workstream of a feature in dependency order.

For each workstream the router picks the best backend of its tier and the
agent command is run once per build attempt. Failed attempts are retried up
to --max-attempts times before the workstream is escalated. Independent
branches keep running after an escalation.

If the feature has a running checkpoint, execution resumes from it.
Completed features must be reset before they run again.

The agent command runs through /bin/sh with these variables set:
  SDP_FEATURE_ID, SDP_WORKSTREAM_ID, SDP_TIER, SDP_BACKEND,
  SDP_PROVIDER, SDP_MODEL, SDP_ATTEMPT, SDP_LAST_ERROR

With --agent-host the command runs over SSH on a remote build host
instead, with the same variables exported. --stage-agent uploads the local
script over SFTP to .sdp-agent/ under the remote --workdir before the run.`,
		Example: `  # Build a feature with a local agent script
  sdp execute feature.yaml --catalog backends.yaml --agent-cmd ./build-ws.sh

  # Build up to three independent workstreams at once
  sdp execute feature.yaml --agent-cmd ./build-ws.sh --parallel 3

  # Persist checkpoints and events in SQLite and expose metrics
  sdp execute feature.yaml --agent-cmd ./build-ws.sh --store sqlite --metrics-addr :9090

  # Run attempts on a remote build host
  sdp execute feature.yaml --agent-cmd ./build-ws.sh --agent-host ci@build-1 --workdir /srv/repo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if agentCmd == "" {
				return fmt.Errorf("--agent-cmd is required")
			}
			if stageAgent && agentHost == "" {
				return fmt.Errorf("--stage-agent requires --agent-host")
			}

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("max-attempts") {
				settings.Orchestrator.MaxAttempts = maxAttempts
			}
			if flags.Changed("parallel") {
				settings.Orchestrator.MaxParallel = parallel
			}
			if flags.Changed("attempt-timeout") {
				settings.Orchestrator.AttemptTimeout = attemptTimeout
			}
			if metricsAddr != "" {
				settings.Telemetry.Metrics.Enabled = true
				settings.Telemetry.Metrics.ListenAddress = metricsAddr
			}
			if err := settings.Validate(); err != nil {
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

			if !skipPolicies {
				result, err := checkPolicies(ctx, settings, manifest.FeatureID, manifest.Items(), catalog)
				if err != nil {
					return err
				}
				if blocking := result.Blocking(); len(blocking) > 0 {
					for _, v := range blocking {
						log.Error().Str("policy", v.Policy).Str("workstream", v.WorkstreamID).Msg(v.Message)
					}
					return fmt.Errorf("feature %s violates %d blocking policies; see 'sdp validate'", manifest.FeatureID, len(blocking))
				}
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			tel, err := telemetry.NewTelemetry(settings.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			if err := tel.Metrics.StartMetricsServer(ctx); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			if sqlite, ok := store.(*stores.SQLiteStore); ok {
				tel.Events.Subscribe(sqlite.EventSink(ctx), nil)
			}

			log.Info().
				Str("feature", manifest.FeatureID).
				Int("workstreams", len(manifest.Workstreams)).
				Str("store", settings.Store.Driver).
				Str("state_dir", settings.Store.StateDir).
				Msg("Executing feature")

			var b engine.Builder = &builder.CommandBuilder{Command: agentCmd, WorkDir: workDir}
			if agentHost != "" {
				sshCfg, err := builder.ParseSSHTarget(agentHost)
				if err != nil {
					return fmt.Errorf("invalid --agent-host: %w", err)
				}
				if sshKey != "" {
					sshCfg.PrivateKeyPath = sshKey
				}
				if sshKnownHosts != "" {
					sshCfg.KnownHostsPath = sshKnownHosts
				}
				sshCfg.InsecureIgnoreHostKey = sshInsecure
				remote, err := builder.NewSSHBuilder(sshCfg, agentCmd)
				if err != nil {
					return err
				}
				defer remote.Close()
				remote.WorkDir = workDir
				if stageAgent {
					staged := path.Join(".sdp-agent", filepath.Base(agentCmd))
					if err := remote.Stage(ctx, agentCmd, path.Join(workDir, staged), 0o755); err != nil {
						return err
					}
					remote.Command = "./" + staged
				}
				b = remote
			}

			opts := append(settings.OrchestratorOptions(), engine.WithTelemetry(tel))
			orchestrator := engine.NewOrchestrator(store, store, b, opts...)

			result, err := orchestrator.Execute(ctx, manifest.FeatureID, manifest.Items(), manifest.ExtraEdges(), catalog)
			if result != nil {
				if jsonOutput {
					if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
						return perr
					}
				} else {
					printResult(cmd.OutOrStdout(), result)
				}
			}
			if err != nil {
				return err
			}
			if result.Status == engine.CheckpointStatusEscalated {
				return fmt.Errorf("%w: %s", errEscalated, strings.Join(result.Escalated, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "backend catalog file (defaults to the settings' catalog)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "shell command run for each build attempt")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory of the agent command")
	cmd.Flags().StringVar(&agentHost, "agent-host", "", "run the agent command over SSH on user@host[:port]")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "private key for --agent-host (defaults to ~/.ssh/id_*)")
	cmd.Flags().StringVar(&sshKnownHosts, "ssh-known-hosts", "", "known_hosts file for --agent-host")
	cmd.Flags().BoolVar(&stageAgent, "stage-agent", false, "upload the local --agent-cmd script to the build host first")
	cmd.Flags().BoolVar(&sshInsecure, "ssh-insecure", false, "skip host key verification for --agent-host")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", engine.DefaultMaxAttempts, "retries per workstream before escalation")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "workstreams built concurrently")
	cmd.Flags().BoolVar(&skipPolicies, "skip-policies", false, "do not check admission policies")
	cmd.Flags().DurationVar(&attemptTimeout, "attempt-timeout", 0, "timeout per build attempt (0 disables)")

	return cmd
}

func printResult(w io.Writer, result *engine.ExecutionResult) {
	fmt.Fprintf(w, "Feature %s: %s (%d/%d workstreams completed)\n",
		result.FeatureID, result.Status, len(result.Completed), len(result.Order))
	if result.Resumed {
		fmt.Fprintln(w, "  resumed from checkpoint")
	}
	if result.Cancelled {
		fmt.Fprintln(w, "  interrupted; run again to resume")
	}
	for _, id := range result.Order {
		backend := result.Backends[id]
		attempts := len(result.Attempts[id])
		if backend == "" && attempts == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-20s backend=%s attempts=%d\n", id, backend, attempts)
	}
	for _, rec := range result.Escalations {
		fmt.Fprintf(w, "  escalated %s after %d attempts (escalation %s)\n", rec.WorkstreamID, rec.AttemptCount, rec.ID)
	}
	if len(result.Blocked) > 0 {
		fmt.Fprintf(w, "  blocked: %s\n", strings.Join(result.Blocked, ", "))
	}
	if result.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", result.Err)
	}
}
