package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync <agent-a> <agent-b>",
	Short: "Exchange pending and missing state between two agents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.eng.SyncAgents(cmd.Context(), args[0], args[1])
			if rerr := render(cmd, res, func(w io.Writer) { printSync(w, res) }); rerr != nil {
				return rerr
			}
			return err
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Apply the acting agent's pending inbox deltas",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.eng.DrainInbox(cmd.Context(), flagAgent)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) { printSync(w, res) })
		})
	},
}

func printSync(w io.Writer, r engine.SyncResult) {
	fmt.Fprintf(w, "Applied:   %d\n", r.Applied)
	fmt.Fprintf(w, "Buffered:  %d\n", r.Buffered)
	fmt.Fprintf(w, "Failed:    %d\n", r.Failed)
	fmt.Fprintf(w, "Exchanged: %d\n", r.Exchanged)
	fmt.Fprintf(w, "Pending:   %d\n", r.Pending)
	if r.Cycles > 0 {
		fmt.Fprintf(w, "Cycles:    %d\n", r.Cycles)
	}
}
