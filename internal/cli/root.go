package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/memmesh/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ __ ___   ___ _ __ ___  _ __ ___   ___  ___| |__\n" +
		" | '_ ` _ \\ / _ \\ '_ ` _ \\| '_ ` _ \\ / _ \\/ __| '_ \\\n" +
		" | | | | | |  __/ | | | | | | | | | |  __/\\__ \\ | | |\n" +
		" |_| |_| |_|\\___|_| |_| |_|_| |_| |_|\\___||___/_| |_|\n"
)

var (
	flagAgent    string
	flagJSON     bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "memmesh",
	Short:         "memmesh - shared memory for agent teams",
	Long:          color.CyanString(logo) + "\nConflict-free memory replication, namespaces, provenance and trust for cooperating agents.",
	SilenceUsage:  true,
	SilenceErrors: false,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagAgent, "agent", "a", "", "Acting agent id (defaults to the default agent)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(nsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(retractCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(provenanceCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "memmesh v%s\n", version)
	},
}
