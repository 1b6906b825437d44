package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fall-out-bug/sdp-sub003/pkg/config"
	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

func newOrderCommand() *cobra.Command {
	var (
		levels bool
		dot    bool
		ready  bool
	)

	cmd := &cobra.Command{
		Use:   "order <manifest>",
		Short: "Show the resolved execution order",
		Long: `Resolve the dependency graph of a manifest and print the execution order.

--levels groups workstreams that can run in parallel, --dot prints the graph
in Graphviz DOT format and --ready lists the workstreams whose dependencies
are all completed or superseded.`,
		Example: `  sdp order feature.yaml
  sdp order feature.yaml --dot | dot -Tsvg > graph.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := config.LoadManifest(args[0])
			if err != nil {
				return err
			}

			items := manifest.Items()
			edges := append(engine.EdgesFromItems(items), manifest.ExtraEdges()...)
			resolver := engine.NewResolver()
			out := cmd.OutOrStdout()

			switch {
			case dot:
				graph, err := resolver.ToDOT(items, edges)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(out, graph)
				return err

			case levels:
				lv, err := resolver.Levels(items, edges)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, lv)
				}
				for i, level := range lv {
					fmt.Fprintf(out, "%d: %s\n", i, strings.Join(level, " "))
				}
				return nil

			case ready:
				ids := make([]string, 0)
				for _, item := range engine.Ready(items) {
					ids = append(ids, item.ID)
				}
				if jsonOutput {
					return printJSON(out, ids)
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			order, err := resolver.Resolve(items, edges)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, order)
			}
			for i, id := range order {
				fmt.Fprintf(out, "%d. %s\n", i+1, id)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&levels, "levels", false, "group workstreams into parallel levels")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in DOT format")
	cmd.Flags().BoolVar(&ready, "ready", false, "list workstreams ready to start")
	cmd.MarkFlagsMutuallyExclusive("levels", "dot", "ready")

	return cmd
}
