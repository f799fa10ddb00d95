package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/reactor"
)

var playbooksCmd = &cobra.Command{
	Use:   "playbooks",
	Short: "Inspect and administer the playbook catalog",
}

var playbooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog entries with their statistics",
	Run: func(cmd *cobra.Command, args []string) {
		sys := loadSystem()
		defer sys.Journal.Close()
		st := sys.Reactor.Status()

		if jsonOutput {
			outputJSON(st.Playbooks)
			return
		}
		if len(st.Playbooks) == 0 {
			fmt.Println("No playbooks. Drop a catalog at", loadConfig().CatalogPath())
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		for _, pb := range st.Playbooks {
			state := green("active")
			if pb.Disabled {
				state = red("disabled")
			}
			fmt.Printf("%-24s %-28s %s  fired=%d success=%.0f%%\n",
				pb.ID, pb.Pattern, state, pb.Fired, pb.SuccessRate*100)
		}
	},
}

var playbooksValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a catalog file without loading it",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := loadConfig().CatalogPath()
		if len(args) == 1 {
			path = args[0]
		}
		cat, err := reactor.LoadCatalog(path)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			outputJSON(map[string]any{"path": path, "playbooks": len(cat.Playbooks)})
			return
		}
		fmt.Printf("%s: %d playbooks, OK\n", path, len(cat.Playbooks))
	},
}

var playbooksReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Validate the catalog and nudge the serving instance to reload it",
	Long: `Reload parses the catalog, failing on schema errors, then bumps the
file's mtime so the serving instance's watcher picks it up.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := loadConfig().CatalogPath()
		cat, err := reactor.LoadCatalog(path)
		if err != nil {
			fatal(err)
		}
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			fatal(err)
		}
		fmt.Printf("%s: %d playbooks, reload signaled\n", path, len(cat.Playbooks))
	},
}

var playbooksDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Pull a playbook from rotation",
	Long: `Disable persists an operator override for the playbook. The serving
instance applies it on restart; for an immediate stop, set disabled in
the catalog file, which the watcher reloads live.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sys := loadSystem()
		defer sys.Journal.Close()
		if err := sys.Reactor.DisablePlaybook(args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Disabled %s\n", args[0])
	},
}

var playbooksEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Return a playbook to rotation with a fresh window",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sys := loadSystem()
		defer sys.Journal.Close()
		if err := sys.Reactor.EnablePlaybook(args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Enabled %s\n", args[0])
	},
}

func init() {
	playbooksCmd.AddCommand(playbooksListCmd, playbooksReloadCmd, playbooksValidateCmd, playbooksDisableCmd, playbooksEnableCmd)
	rootCmd.AddCommand(playbooksCmd)
}
