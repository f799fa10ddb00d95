package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane until interrupted",
	Long: `Serve takes the instance lock on the state directory and runs every
loop: host sampling, spool ingestion, catalog watching, the scheduler,
and journal retention. SIGINT or SIGTERM shuts down cleanly.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "aio", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init: %v\n", err)
		}
		defer telemetry.Shutdown(context.Background())

		sys := loadSystem()
		if err := sys.Run(ctx); err != nil {
			fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
