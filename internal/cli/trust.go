package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/trust"
)

var (
	correctReason string
	resolveKind   string
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and feed inter-agent trust",
}

var trustShowCmd = &cobra.Command{
	Use:   "show <target-agent>",
	Short: "Show the acting agent's trust in another agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			t, err := a.eng.GetTrust(cmd.Context(), flagAgent, args[0])
			if err != nil {
				return err
			}
			return render(cmd, t, func(w io.Writer) { printTrust(w, t) })
		})
	},
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the acting agent's trust records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ts, err := a.eng.ListTrust(cmd.Context(), flagAgent)
			if err != nil {
				return err
			}
			return render(cmd, ts, func(w io.Writer) {
				if len(ts) == 0 {
					fmt.Fprintln(w, "No trust records.")
					return
				}
				for _, t := range ts {
					fmt.Fprintf(w, "%-38s %.3f  (%d received)\n", t.TargetAgent, t.OverallTrust, t.Evidence.Total)
				}
			})
		})
	},
}

type evidenceFunc func(ctx context.Context, agent, target, memoryID string) (trust.AgentTrust, error)

func evidenceCmd(use, short string, pick func(*app) evidenceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <target-agent> <memory-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				t, err := pick(a)(cmd.Context(), flagAgent, args[0], args[1])
				if err != nil {
					return err
				}
				return render(cmd, t, func(w io.Writer) { printTrust(w, t) })
			})
		},
	}
}

var (
	trustValidateCmd = evidenceCmd("validate", "Record that a memory from target proved correct",
		func(a *app) evidenceFunc { return a.eng.RecordValidation })
	trustContradictCmd = evidenceCmd("contradict", "Record that a memory from target was contradicted",
		func(a *app) evidenceFunc { return a.eng.RecordContradiction })
	trustUseCmd = evidenceCmd("use", "Record that a memory from target was used in a decision",
		func(a *app) evidenceFunc { return a.eng.RecordUsage })
)

var trustCorrectCmd = &cobra.Command{
	Use:   "correct <memory-id> <content>",
	Short: "Correct a memory and propagate the correction upstream",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args[1:], " ")
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.eng.CorrectMemory(cmd.Context(), flagAgent, args[0], content, correctReason)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Corrected %s\n", res.Memory.ID)
				for _, s := range res.Steps {
					mark := color.GreenString("applied")
					if !s.Applied {
						mark = color.YellowString("review")
					}
					fmt.Fprintf(w, "  d=%d %-38s %.3f %s\n", s.Distance, s.AgentID, s.Strength, mark)
				}
				if res.PendingReview > 0 {
					fmt.Fprintf(w, "%d steps need review\n", res.PendingReview)
				}
			})
		})
	},
}

var trustResolveCmd = &cobra.Command{
	Use:   "resolve <memory-a> <memory-b>",
	Short: "Resolve a contradiction between two memories",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			c, err := a.eng.ResolveContradiction(cmd.Context(), flagAgent, args[0], args[1], resolveKind)
			if err != nil {
				return err
			}
			return render(cmd, c, func(w io.Writer) {
				fmt.Fprintf(w, "Resolution: %s\n", c.Resolution)
				if c.Winner != "" {
					fmt.Fprintf(w, "Winner:     %s\n", c.Winner)
				}
				fmt.Fprintf(w, "  %s by %s (trust %.2f)\n", c.A.MemoryID, c.A.AgentID, c.A.Trust)
				fmt.Fprintf(w, "  %s by %s (trust %.2f)\n", c.B.MemoryID, c.B.AgentID, c.B.Trust)
			})
		})
	},
}

func printTrust(w io.Writer, t trust.AgentTrust) {
	fmt.Fprintf(w, "%s -> %s: %.3f\n", t.AgentID, t.TargetAgent, t.OverallTrust)
	e := t.Evidence
	fmt.Fprintf(w, "  validated %d, contradicted %d, useful %d, received %d\n", e.Validated, e.Contradicted, e.Useful, e.Total)
	domains := make([]string, 0, len(t.DomainTrust))
	for d := range t.DomainTrust {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Fprintf(w, "  %-16s %.3f\n", d, t.DomainTrust[d])
	}
}

func init() {
	trustCorrectCmd.Flags().StringVar(&correctReason, "reason", "", "Why the memory was wrong")
	trustResolveCmd.Flags().StringVar(&resolveKind, "kind", "", "Contradiction kind label")
	trustCmd.AddCommand(trustShowCmd, trustListCmd, trustValidateCmd, trustContradictCmd, trustUseCmd, trustCorrectCmd, trustResolveCmd)
}
