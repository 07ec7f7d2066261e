package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/engine"
)

var traceDepth int

var provenanceCmd = &cobra.Command{
	Use:   "provenance <memory-id>",
	Short: "Show where a memory came from and what happened to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rec, err := a.eng.GetProvenance(cmd.Context(), flagAgent, args[0])
			if err != nil {
				return err
			}
			return render(cmd, rec, func(w io.Writer) {
				fmt.Fprintf(w, "Origin: %s", rec.Origin.Kind)
				if ups := rec.Origin.Upstream(); len(ups) > 0 {
					fmt.Fprintf(w, " from %s", strings.Join(ups, ", "))
				}
				fmt.Fprintln(w)
				for _, h := range rec.Chain {
					fmt.Fprintf(w, "  %s %-18s %-38s %+.2f %s\n", h.Timestamp.Format("2006-01-02 15:04:05"), h.Action, h.AgentID, h.ConfidenceDelta, h.Details)
				}
				fmt.Fprintf(w, "Chain confidence: %.3f\n", rec.ChainConfidence())
			})
		})
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace <memory-id>",
	Short: "Trace a memory across agents back to its sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			tr, err := a.eng.TraceCrossAgent(cmd.Context(), flagAgent, args[0], traceDepth)
			if err != nil {
				return err
			}
			return render(cmd, tr, func(w io.Writer) {
				for i, s := range tr.Steps {
					fmt.Fprintf(w, "%2d. %-36s %-18s %s\n", i+1, s.MemoryID, s.Action, s.AgentID)
				}
				fmt.Fprintf(w, "Agents: %s\n", strings.Join(tr.AgentsInvolved, ", "))
				fmt.Fprintf(w, "Total confidence: %.3f", tr.TotalConfidence)
				if tr.Truncated {
					fmt.Fprint(w, " (truncated)")
				}
				fmt.Fprintln(w)
			})
		})
	},
}

func init() {
	traceCmd.Flags().IntVar(&traceDepth, "depth", engine.DefaultTraceDepth, "Maximum hops returned")
}
