package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var shareCmd = &cobra.Command{
	Use:   "share <memory-id> <namespace>",
	Short: "Copy a memory into another namespace under a new id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.eng.ShareMemory(cmd.Context(), flagAgent, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Shared %s to %s as %s\n", args[0], res.Memory.Namespace, res.Memory.ID)
			})
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <memory-id> <namespace>",
	Short: "Move a memory into a wider namespace, keeping its id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			m, err := a.eng.PromoteMemory(cmd.Context(), flagAgent, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, m, func(w io.Writer) {
				fmt.Fprintf(w, "Promoted %s to %s\n", m.ID, m.Namespace)
			})
		})
	},
}

var retractCmd = &cobra.Command{
	Use:   "retract <memory-id> <namespace>",
	Short: "Archive a shared copy; other copies are untouched",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			m, err := a.eng.RetractMemory(cmd.Context(), flagAgent, args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd, m, func(w io.Writer) {
				fmt.Fprintf(w, "Retracted %s from %s\n", m.ID, args[1])
			})
		})
	},
}
