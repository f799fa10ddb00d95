package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/eventbus"
)

var (
	eventsType  string
	eventsSince time.Duration
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List journaled events",
	Long: `Events reads the journal newest-last. The --type filter accepts
exact types and wildcard patterns (action.*, resource.**).`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		journal, err := eventbus.OpenJournal(cfg.EventsDir())
		if err != nil {
			fatal(err)
		}
		defer journal.Close()

		f := eventbus.Filter{Type: eventsType, Limit: eventsLimit}
		if eventsSince > 0 {
			f.SinceTS = time.Now().Add(-eventsSince).UnixMilli()
		}
		events, err := journal.LoadEvents(f)
		if err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(events)
			return
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return
		}
		for _, e := range events {
			ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
			line := fmt.Sprintf("%s  %-5s %-32s %s", ts, e.Severity, e.Type, e.Source)
			if msg := e.Message(); msg != "" {
				line += "  " + msg
			}
			fmt.Println(line)
		}
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type or pattern")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "only events newer than this age (e.g. 2h)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to print (0 = all)")
	rootCmd.AddCommand(eventsCmd)
}
