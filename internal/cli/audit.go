package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/store"
)

var (
	auditAgent  string
	auditAction string
	auditSince  time.Duration
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read and prune the cross-agent audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.AuditFilter{Agent: auditAgent, Action: auditAction, Limit: auditLimit}
		if auditSince > 0 {
			f.Since = time.Now().Add(-auditSince)
		}
		return withApp(cmd.Context(), func(a *app) error {
			entries, err := a.eng.ListAudit(cmd.Context(), f)
			if err != nil {
				return err
			}
			return render(cmd, entries, func(w io.Writer) {
				for _, e := range entries {
					out := e.Outcome
					switch out {
					case store.OutcomeFailed, store.OutcomeDenied:
						out = color.RedString(out)
					case store.OutcomeFlagged:
						out = color.YellowString(out)
					}
					fmt.Fprintf(w, "%s %-22s %-10s %s -> %s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, out, e.SourceAgent, e.TargetAgent, e.Details)
				}
			})
		})
	},
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete delivered deltas and audit rows past their retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			stats, err := a.eng.Prune(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Pruned %d deliveries and %d audit entries\n", stats.Deliveries, stats.Audit)
			})
		})
	},
}

var auditMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Prune, mark inactive agents idle and compact stable tombstones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.eng.Maintain(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Pruned %d deliveries and %d audit entries\n", res.Pruned.Deliveries, res.Pruned.Audit)
				fmt.Fprintf(w, "Marked %d agents idle\n", len(res.Idle))
				fmt.Fprintf(w, "Compacted %d tombstones in %d memories and %d graph tombstones\n",
					res.Compacted.Tombstones, res.Compacted.Memories, res.Compacted.Edges)
			})
		})
	},
}

func init() {
	f := auditListCmd.Flags()
	f.StringVar(&auditAgent, "for", "", "Only entries where this agent is source or target")
	f.StringVar(&auditAction, "action", "", "Only this action")
	f.DurationVar(&auditSince, "since", 0, "Only entries newer than this (e.g. 24h)")
	f.IntVar(&auditLimit, "limit", 50, "Maximum entries")
	auditCmd.AddCommand(auditListCmd, auditPruneCmd, auditMaintainCmd)
}
