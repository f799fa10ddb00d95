package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/actions"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent terminal actions, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		history, err := actions.LoadHistory(cfg.QueuePath(), historyLimit)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(history)
			return
		}
		if len(history) == 0 {
			fmt.Println("No actions yet.")
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		for _, a := range history {
			status := string(a.Status)
			switch a.Status {
			case actions.StatusSucceeded:
				status = green(status)
			case actions.StatusSkipped:
				status = yellow(status)
			case actions.StatusFailed:
				status = red(status)
			}
			ts := time.UnixMilli(a.FinalizedAt).Format(time.RFC3339)
			line := fmt.Sprintf("%s  %-9s %-6s %-30s attempts=%d", ts, status, a.Type, a.Target, a.Attempts)
			if a.SkipReason != "" {
				line += "  " + a.SkipReason
			}
			fmt.Println(line)
		}
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum actions to print (0 = all)")
	rootCmd.AddCommand(historyCmd)
}
