package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
)

var (
	emitSeverity string
	emitSource   string
	emitMessage  string
	emitPayload  string
	emitFields   []string
)

var emitCmd = &cobra.Command{
	Use:   "emit <type>",
	Short: "Append an event to the journal",
	Long: `Emit records an external signal in the event journal, e.g. from a
cron job or a CI hook. The type uses the dotted namespace (agent.error,
pipeline.completed). A serving instance reacts to events it publishes
itself; use enqueue to hand it work.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sev, err := event.ParseSeverity(emitSeverity)
		if err != nil {
			fatal(err)
		}
		e := event.New(args[0], emitSource)
		e.Severity = sev
		if emitPayload != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(emitPayload), &payload); err != nil {
				fatal(fmt.Errorf("bad --payload: %w", err))
			}
			for k, v := range payload {
				e.With(k, v)
			}
		}
		if emitMessage != "" {
			e.With("message", emitMessage)
		}
		for _, kv := range emitFields {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				fatal(fmt.Errorf("bad --field %q, want key=value", kv))
			}
			e.With(k, v)
		}

		cfg := loadConfig()
		if err := cfg.EnsureStateDir(); err != nil {
			fatal(err)
		}
		journal, err := eventbus.OpenJournal(cfg.EventsDir())
		if err != nil {
			fatal(err)
		}
		if err := journal.Append(e); err != nil {
			fatal(err)
		}
		if err := journal.Close(); err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(e)
			return
		}
		fmt.Printf("Journaled %s (%s)\n", e.Type, e.ID)
	},
}

func init() {
	emitCmd.Flags().StringVar(&emitSeverity, "severity", string(event.SeverityInfo), "event severity (INFO, WARN, ERR, CRIT)")
	emitCmd.Flags().StringVar(&emitSource, "source", "cli", "event source")
	emitCmd.Flags().StringVar(&emitMessage, "message", "", "human-readable message")
	emitCmd.Flags().StringVar(&emitPayload, "payload", "", "payload as a JSON object")
	emitCmd.Flags().StringArrayVar(&emitFields, "field", nil, "payload field as key=value (repeatable)")
	rootCmd.AddCommand(emitCmd)
}
