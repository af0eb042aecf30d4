package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/flowcore/internal/config"
	"github.com/Rajchodisetti/flowcore/internal/risk"
)

func newEventsCmd(root *rootOptions) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the circuit breaker state and its recent transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			bcfg := cfg.ToBreaker()
			if bcfg.EventLogPath == "" {
				return fmt.Errorf("breaker event log is disabled in config")
			}
			cb := risk.NewCircuitBreaker(bcfg)
			printEvents(cmd.OutOrStdout(), cb.Status(), cb.Events(last))
			return nil
		},
	}
	cmd.Flags().IntVarP(&last, "last", "n", 20, "number of recent events to show")
	return cmd
}

func printEvents(w io.Writer, st risk.Status, events []risk.Event) {
	fmt.Fprintf(w, "state: %s", st.State)
	if st.State == risk.StatePaused {
		fmt.Fprintf(w, " since %s (%s)", st.PausedAt.Format(time.RFC3339), st.PauseReason)
		if st.Manual {
			fmt.Fprint(w, " [manual]")
		}
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.Header("Time", "Type", "Triggers", "Reason", "Paused For")
	for _, ev := range events {
		triggers := make([]string, 0, len(ev.Triggers))
		for _, t := range ev.Triggers {
			triggers = append(triggers, string(t))
		}
		pausedFor := ""
		if ev.PauseDuration > 0 {
			pausedFor = ev.PauseDuration.Round(time.Second).String()
		}
		table.Append(
			ev.Timestamp.Format(time.RFC3339),
			ev.Type,
			strings.Join(triggers, ","),
			ev.Reason,
			pausedFor,
		)
	}
	table.Render()
}
