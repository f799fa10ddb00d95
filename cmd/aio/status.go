package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/breaker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the control plane's persisted state",
	Long: `Status assembles the system against the state directory and renders
what survives restarts: the health score, circuit states, playbook
statistics, and journal size. Live in-flight work is only visible to
the serving process.`,
	Run: func(cmd *cobra.Command, args []string) {
		sys := loadSystem()
		defer sys.Journal.Close()
		st := sys.Status()

		if jsonOutput {
			outputJSON(st)
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("Health score:  %s\n", healthColor(st.Score).Sprintf("%.2f", st.Score))
		fmt.Printf("Reactor mode:  %s\n", st.Reactor.Mode)
		if st.Reactor.FuseTripped {
			fmt.Printf("Fuse:          %s (streak %d)\n", red("TRIPPED"), st.Reactor.FuseStreak)
		} else {
			fmt.Printf("Fuse:          %s\n", green("ok"))
		}
		fmt.Printf("Events:        %d journaled\n", st.Events)
		fmt.Printf("Scheduler:     %d queued, %d running\n", st.Scheduler.Queued, st.Scheduler.Running)

		if len(st.Reactor.Playbooks) > 0 {
			fmt.Printf("\nPlaybooks:\n")
			for _, pb := range st.Reactor.Playbooks {
				state := green("active")
				if pb.Disabled {
					state = red("disabled")
				}
				fmt.Printf("  %-24s %-28s %s  fired=%d success=%.0f%%\n",
					pb.ID, pb.Pattern, state, pb.Fired, pb.SuccessRate*100)
			}
		}

		if len(st.Circuits) > 0 {
			fmt.Printf("\nCircuits:\n")
			keys := make([]string, 0, len(st.Circuits))
			for k := range st.Circuits {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				ks := st.Circuits[k]
				state := green(string(ks.State))
				switch ks.State {
				case breaker.StateOpen:
					state = red(string(ks.State))
				case breaker.StateHalfOpen:
					state = yellow(string(ks.State))
				}
				fmt.Printf("  %-40s %s\n", k, state)
			}
		}
	},
}

// healthColor buckets the unit-interval health score for display.
func healthColor(score float64) *color.Color {
	switch {
	case score >= 0.8:
		return color.New(color.FgGreen)
	case score >= 0.5:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
