package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/engine"
	"github.com/KafClaw/memmesh/internal/memory"
)

var (
	memInput      engine.MemoryInput
	memValidTime  string
	memListNS     string
	memArchived   bool
	memAddTags    []string
	memRemoveTags []string
	memArchive    bool
)

var memoryCmd = &cobra.Command{
	Use:     "memory",
	Aliases: []string{"mem"},
	Short:   "Create, read and edit memories",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Create a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := memInput
		in.Content = strings.Join(args, " ")
		if memValidTime != "" {
			t, err := time.Parse(time.RFC3339, memValidTime)
			if err != nil {
				return fmt.Errorf("--valid-time: %w", err)
			}
			in.ValidTime = t
		}
		return withApp(cmd.Context(), func(a *app) error {
			m, err := a.eng.CreateMemory(cmd.Context(), flagAgent, in)
			if err != nil {
				return err
			}
			return render(cmd, m, func(w io.Writer) {
				fmt.Fprintf(w, "%s Created %s in %s\n", color.GreenString("✓"), m.ID, m.Namespace)
			})
		})
	},
}

var memoryGetCmd = &cobra.Command{
	Use:   "get <memory-id>",
	Short: "Show the acting agent's copy of a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			m, err := a.eng.GetMemory(cmd.Context(), flagAgent, args[0])
			if err != nil {
				return err
			}
			return render(cmd, m, func(w io.Writer) { printMemory(w, m) })
		})
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the acting agent's memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ms, err := a.eng.ListMemories(cmd.Context(), flagAgent, memListNS, memArchived)
			if err != nil {
				return err
			}
			return render(cmd, ms, func(w io.Writer) {
				if len(ms) == 0 {
					fmt.Fprintln(w, "No memories.")
					return
				}
				for _, m := range ms {
					fmt.Fprintf(w, "%-36s %-10s %.2f  %-28s %s\n", m.ID, m.MemoryType, m.ViewConfidence, m.Namespace, short(m.Content, 48))
				}
			})
		})
	},
}

var memoryEditCmd = &cobra.Command{
	Use:   "edit <memory-id>",
	Short: "Change fields of a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		edit := func(ed *memory.Editor) {
			if f.Changed("content") {
				ed.SetContent(memInput.Content)
			}
			if f.Changed("summary") {
				ed.SetSummary(memInput.Summary)
			}
			if f.Changed("importance") {
				ed.SetImportance(memInput.Importance)
			}
			if f.Changed("confidence") {
				ed.RaiseConfidence(memInput.Confidence)
			}
			for _, t := range memAddTags {
				ed.AddTag(t)
			}
			for _, t := range memRemoveTags {
				ed.RemoveTag(t)
			}
			if f.Changed("archive") {
				ed.SetArchived(memArchive)
			}
		}
		return withApp(cmd.Context(), func(a *app) error {
			m, err := a.eng.MutateMemory(cmd.Context(), flagAgent, args[0], edit)
			if err != nil {
				return err
			}
			return render(cmd, m, func(w io.Writer) {
				fmt.Fprintf(w, "Updated %s (clock %s)\n", m.ID, m.Clock)
			})
		})
	},
}

func printMemory(w io.Writer, m engine.MemoryView) {
	fmt.Fprintf(w, "ID:          %s\n", m.ID)
	fmt.Fprintf(w, "Owner:       %s (source %s)\n", m.Owner, m.SourceAgent)
	fmt.Fprintf(w, "Namespace:   %s\n", m.Namespace)
	fmt.Fprintf(w, "Type:        %s\n", m.MemoryType)
	if m.Summary != "" {
		fmt.Fprintf(w, "Summary:     %s\n", m.Summary)
	}
	fmt.Fprintf(w, "Content:     %s\n", m.Content)
	if len(m.ContentVersions) > 1 {
		fmt.Fprintf(w, "%s %d concurrent versions\n", color.YellowString("Conflict:"), len(m.ContentVersions))
	}
	if m.Importance != "" {
		fmt.Fprintf(w, "Importance:  %s\n", m.Importance)
	}
	fmt.Fprintf(w, "Confidence:  %.3f base, %.3f effective, %.3f viewed (trust %.2f)\n", m.BaseConfidence, m.EffectiveConfidence, m.ViewConfidence, m.SourceTrust)
	if len(m.Tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(m.Tags, ", "))
	}
	fmt.Fprintf(w, "Read-only:   %s\n", yes(m.ReadOnly))
	fmt.Fprintf(w, "Archived:    %s\n", yes(m.Archived))
	fmt.Fprintf(w, "Clock:       %s\n", m.Clock)
}

func init() {
	af := memoryAddCmd.Flags()
	af.StringVar(&memInput.Namespace, "ns", "", "Namespace (defaults to the agent's own)")
	af.StringVar(&memInput.MemoryType, "type", "", "Memory type (defaults to "+engine.DefaultMemoryType+")")
	af.StringVar(&memInput.Summary, "summary", "", "Short summary")
	af.StringVar(&memInput.Importance, "importance", "", "low, normal, high or critical")
	af.Float64Var(&memInput.Confidence, "confidence", 0, "Base confidence in (0, 1]; 0 means 1.0")
	af.StringSliceVar(&memInput.Tags, "tag", nil, "Tag (repeatable)")
	af.StringSliceVar(&memInput.LinkedFiles, "file", nil, "Linked file (repeatable)")
	af.StringSliceVar(&memInput.LinkedFunctions, "function", nil, "Linked function (repeatable)")
	af.StringToStringVar(&memInput.Metadata, "meta", nil, "Metadata key=value pairs")
	af.StringVar(&memValidTime, "valid-time", "", "RFC3339 time the memory became true")

	memoryListCmd.Flags().StringVar(&memListNS, "ns", "", "Only memories in this namespace")
	memoryListCmd.Flags().BoolVar(&memArchived, "archived", false, "Include archived memories")

	ef := memoryEditCmd.Flags()
	ef.StringVar(&memInput.Content, "content", "", "New content")
	ef.StringVar(&memInput.Summary, "summary", "", "New summary")
	ef.StringVar(&memInput.Importance, "importance", "", "New importance")
	ef.Float64Var(&memInput.Confidence, "confidence", 0, "Raise base confidence")
	ef.StringSliceVar(&memAddTags, "add-tag", nil, "Add a tag (repeatable)")
	ef.StringSliceVar(&memRemoveTags, "remove-tag", nil, "Remove a tag (repeatable)")
	ef.BoolVar(&memArchive, "archive", false, "Archive (or --archive=false to restore)")

	memoryCmd.AddCommand(memoryAddCmd, memoryGetCmd, memoryListCmd, memoryEditCmd)
}
