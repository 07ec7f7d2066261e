package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/store"
)

var (
	agentCapabilities []string
	agentListAll      bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Register and inspect agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new agent and create its private namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ag, err := a.eng.RegisterAgent(cmd.Context(), args[0], agentCapabilities)
			if err != nil {
				return err
			}
			return render(cmd, ag, func(w io.Writer) {
				fmt.Fprintf(w, "%s Registered %s as %s\n", color.GreenString("✓"), ag.Name, ag.ID)
				fmt.Fprintf(w, "  Namespace: %s\n", ag.Namespace)
			})
		})
	},
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn <name>",
	Short: "Register a sub-agent of the acting agent (--agent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ag, err := a.eng.SpawnAgent(cmd.Context(), flagAgent, args[0], agentCapabilities)
			if err != nil {
				return err
			}
			return render(cmd, ag, func(w io.Writer) {
				fmt.Fprintf(w, "%s Spawned %s as %s (parent %s)\n", color.GreenString("✓"), ag.Name, ag.ID, ag.Parent)
				fmt.Fprintf(w, "  Namespace: %s\n", ag.Namespace)
			})
		})
	},
}

var agentDeregisterCmd = &cobra.Command{
	Use:   "deregister <agent-id>",
	Short: "Deregister an agent; its memories stay in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.eng.DeregisterAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			return render(cmd, map[string]string{"agent_id": args[0], "status": store.AgentDeregistered}, func(w io.Writer) {
				fmt.Fprintf(w, "Deregistered %s\n", args[0])
			})
		})
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			agents, err := a.eng.ListAgents(cmd.Context(), agentListAll)
			if err != nil {
				return err
			}
			return render(cmd, agents, func(w io.Writer) {
				if len(agents) == 0 {
					fmt.Fprintln(w, "No agents registered.")
					return
				}
				for _, ag := range agents {
					fmt.Fprintf(w, "%-38s %-16s %-12s %s\n", ag.ID, ag.Name, ag.Status, ag.LastActive.Format("2006-01-02 15:04"))
				}
			})
		})
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ag, err := a.eng.GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, ag, func(w io.Writer) {
				printHeader(w, "Agent "+ag.Name)
				fmt.Fprintf(w, "ID:           %s\n", ag.ID)
				fmt.Fprintf(w, "Namespace:    %s\n", ag.Namespace)
				fmt.Fprintf(w, "Status:       %s\n", ag.Status)
				if ag.Parent != "" {
					fmt.Fprintf(w, "Parent:       %s\n", ag.Parent)
				}
				fmt.Fprintf(w, "Capabilities: %s\n", strings.Join(ag.Capabilities, ", "))
				fmt.Fprintf(w, "Registered:   %s\n", ag.RegisteredAt.Format("2006-01-02 15:04:05"))
			})
		})
	},
}

func init() {
	agentRegisterCmd.Flags().StringSliceVar(&agentCapabilities, "capability", nil, "Capability label (repeatable)")
	agentSpawnCmd.Flags().StringSliceVar(&agentCapabilities, "capability", nil, "Capability label (repeatable)")
	agentListCmd.Flags().BoolVar(&agentListAll, "all", false, "Include deregistered agents")
	agentCmd.AddCommand(agentRegisterCmd, agentSpawnCmd, agentDeregisterCmd, agentListCmd, agentShowCmd)
}
