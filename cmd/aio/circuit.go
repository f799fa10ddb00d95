package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var circuitFuse bool

var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Inspect and reset circuit breakers",
}

var circuitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every tracked circuit key",
	Run: func(cmd *cobra.Command, args []string) {
		sys := loadSystem()
		defer sys.Journal.Close()
		st := sys.Breaker.Status()
		if jsonOutput {
			outputJSON(st)
			return
		}
		if len(st) == 0 {
			fmt.Println("No circuits tracked.")
			return
		}
		for k, ks := range st {
			line := fmt.Sprintf("%-40s %s", k, ks.State)
			if ks.CooldownLeft != "" {
				line += "  cooldown " + ks.CooldownLeft
			}
			fmt.Println(line)
		}
	},
}

var circuitResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Force a circuit key closed, or reset the global fuse",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sys := loadSystem()
		defer sys.Journal.Close()

		if circuitFuse {
			sys.Reactor.Fuse().Reset()
			if err := sys.Reactor.Fuse().Save(); err != nil {
				fatal(err)
			}
			fmt.Println("Fuse reset.")
			return
		}
		if len(args) != 1 {
			fatal(fmt.Errorf("key required unless --fuse is set"))
		}
		sys.Breaker.Reset(args[0])
		if err := sys.Breaker.Save(); err != nil {
			fatal(err)
		}
		fmt.Printf("Reset %s\n", args[0])
	},
}

func init() {
	circuitResetCmd.Flags().BoolVar(&circuitFuse, "fuse", false, "reset the reactor's global fuse instead of a key")
	circuitCmd.AddCommand(circuitStatusCmd, circuitResetCmd)
	rootCmd.AddCommand(circuitCmd)
}
