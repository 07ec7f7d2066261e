package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/projection"
)

var (
	projFilter projection.Filter
	projLevel  int
	projLive   bool
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"projection"},
	Short:   "Manage filtered read-only projections between namespaces",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <source-uri> <target-uri>",
	Short: "Project matching memories of source into target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := namespace.Parse(args[0])
		if err != nil {
			return err
		}
		dst, err := namespace.Parse(args[1])
		if err != nil {
			return err
		}
		p := projection.Projection{
			Source:           src,
			Target:           dst,
			Filter:           projFilter,
			CompressionLevel: projLevel,
			Live:             projLive,
		}
		return withApp(cmd.Context(), func(a *app) error {
			created, err := a.eng.CreateProjection(cmd.Context(), flagAgent, p)
			if err != nil {
				return err
			}
			return render(cmd, created, func(w io.Writer) {
				fmt.Fprintf(w, "Created projection %s: %s -> %s (level %d, live %s)\n", created.ID, created.Source, created.Target, created.CompressionLevel, yes(created.Live))
			})
		})
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ps, err := a.eng.ListProjections(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, ps, func(w io.Writer) {
				if len(ps) == 0 {
					fmt.Fprintln(w, "No projections.")
					return
				}
				for _, p := range ps {
					fmt.Fprintf(w, "%-36s %-28s -> %-28s L%d live=%s\n", p.ID, p.Source, p.Target, p.CompressionLevel, yes(p.Live))
				}
			})
		})
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <projection-id>",
	Short: "Delete a projection; copies already pushed stay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.eng.DeleteProjection(cmd.Context(), flagAgent, args[0]); err != nil {
				return err
			}
			return render(cmd, map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted projection %s\n", args[0])
			})
		})
	},
}

var projectResyncCmd = &cobra.Command{
	Use:   "resync <projection-id>",
	Short: "Re-push every matching memory of the source namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			n, err := a.eng.ResyncSubscription(cmd.Context(), flagAgent, args[0])
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"projection_id": args[0], "pushed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Resynced %s: %d memories pushed\n", args[0], n)
			})
		})
	},
}

func init() {
	f := projectCreateCmd.Flags()
	f.StringSliceVar(&projFilter.MemoryTypes, "type", nil, "Only these memory types (repeatable)")
	f.Float64Var(&projFilter.MinConfidence, "min-confidence", 0, "Minimum effective confidence")
	f.StringVar(&projFilter.MinImportance, "min-importance", "", "Minimum importance")
	f.StringSliceVar(&projFilter.Tags, "tag", nil, "Memories with any of these tags")
	f.StringSliceVar(&projFilter.LinkedFiles, "file", nil, "Memories linked to any of these files")
	f.IntVar(&projFilter.MaxAgeDays, "max-age-days", 0, "Skip memories older than this")
	f.IntVar(&projLevel, "level", 0, "Compression level 0-3")
	f.BoolVar(&projLive, "live", true, "Push later changes as they happen")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectDeleteCmd, projectResyncCmd)
}
