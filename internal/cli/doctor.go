package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/config"
	"github.com/KafClaw/memmesh/internal/doctor"
)

var (
	doctorTimeout time.Duration
	doctorAgents  []string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, the store and Kafka connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		r := doctor.Run(cmd.Context(), cfg, doctor.Options{Timeout: doctorTimeout, Agents: doctorAgents})
		if err := render(cmd, r, func(w io.Writer) { printReport(w, r) }); err != nil {
			return err
		}
		if r.Failed() {
			return errors.New("doctor: some checks failed")
		}
		return nil
	},
}

func printReport(w io.Writer, r *doctor.Report) {
	printHeader(w, "memmesh doctor")
	for _, row := range r.Rows {
		status := string(row.Status)
		switch row.Status {
		case doctor.OK:
			status = color.GreenString(status)
		case doctor.WARN:
			status = color.YellowString(status)
		case doctor.FAIL:
			status = color.RedString(status)
		}
		fmt.Fprintf(w, "%-6s %-6s %-40s %s\n", status, row.Component, row.Target, row.Detail)
		if row.Hint != "" {
			fmt.Fprintf(w, "       hint: %s\n", row.Hint)
		}
	}
}

func init() {
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 5*time.Second, "Per-check network timeout")
	doctorCmd.Flags().StringSliceVar(&doctorAgents, "agent-topic", nil, "Also check this agent's inbox topic (repeatable)")
	rootCmd.AddCommand(doctorCmd)
}
