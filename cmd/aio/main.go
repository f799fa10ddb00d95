package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/config"
	"github.com/aioslab/aios/internal/core"
)

var (
	cfgPath    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "aio",
	Short: "aio - Autonomic control plane",
	Long: `An event-driven control plane for self-managing hosts: threshold
monitoring, a scored health signal, playbook-driven reactions, and a
guarded action queue, all journaled to a local state directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("aio version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.Flags().Bool("version", false, "print version information")
}

// loadConfig resolves the effective configuration for every command.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(err)
	}
	return cfg
}

// loadSystem assembles the control plane against the state directory without
// starting it. Offline commands inspect and mutate persisted state this way;
// only serve takes the instance lock and runs.
func loadSystem() *core.System {
	sys, err := core.New(loadConfig())
	if err != nil {
		fatal(err)
	}
	return sys
}

func main() {
	// Runtime failures exit 1 through fatal; an error surfacing here means
	// cobra rejected the invocation itself.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}
