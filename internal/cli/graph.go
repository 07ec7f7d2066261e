package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var edgeStrength float64

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and extend the causal graph",
}

var graphShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the acting agent's causal graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			g, err := a.eng.CausalGraph(cmd.Context(), flagAgent)
			if err != nil {
				return err
			}
			return render(cmd, g, func(w io.Writer) {
				for _, e := range g.Edges {
					fmt.Fprintf(w, "%s -> %s  %.2f\n", e.Source, e.Target, e.Strength)
				}
				for _, c := range g.Cycles {
					fmt.Fprintf(w, "%s %v\n", color.RedString("cycle:"), c)
				}
			})
		})
	},
}

var graphEdgeCmd = &cobra.Command{
	Use:   "edge <source-memory> <target-memory>",
	Short: "Record that source informed target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.eng.AddCausalEdge(cmd.Context(), flagAgent, args[0], args[1], edgeStrength); err != nil {
				return err
			}
			return render(cmd, map[string]any{"source": args[0], "target": args[1], "strength": edgeStrength}, func(w io.Writer) {
				fmt.Fprintf(w, "Added %s -> %s\n", args[0], args[1])
			})
		})
	},
}

var graphUnlinkCmd = &cobra.Command{
	Use:   "unlink <source-memory> <target-memory>",
	Short: "Remove the edge from source to target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.eng.RemoveCausalEdge(cmd.Context(), flagAgent, args[0], args[1]); err != nil {
				return err
			}
			return render(cmd, map[string]any{"source": args[0], "target": args[1], "removed": true}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %s -> %s\n", args[0], args[1])
			})
		})
	},
}

func init() {
	graphEdgeCmd.Flags().Float64Var(&edgeStrength, "strength", 1, "Edge strength in (0, 1]")
	graphCmd.AddCommand(graphShowCmd, graphEdgeCmd, graphUnlinkCmd)
}
