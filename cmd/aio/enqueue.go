package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aioslab/aios/internal/actions"
	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/scheduler"
	"github.com/aioslab/aios/internal/statefile"
)

var (
	enqueueTarget   string
	enqueueJSON     string
	enqueueParams   []string
	enqueueRisk     string
	enqueuePriority string
	enqueueProcess  string
	enqueueApprove  bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Hand an action request to the serving instance",
	Long: `Enqueue drops a request file into the spool directory. The serving
instance picks it up, applies the guardrails, and executes it. Types:
shell, http, tool.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req := actions.Request{
			Type:        args[0],
			Target:      enqueueTarget,
			Risk:        actions.Risk(enqueueRisk),
			ProcessName: enqueueProcess,
			Approved:    enqueueApprove,
		}
		if req.Target == "" {
			fatal(fmt.Errorf("--target is required"))
		}
		switch req.Risk {
		case "", actions.RiskLow, actions.RiskMedium, actions.RiskHigh:
		default:
			fatal(fmt.Errorf("bad --risk %q (valid: LOW, MEDIUM, HIGH)", enqueueRisk))
		}
		pri, ok := scheduler.ParsePriority(enqueuePriority)
		if !ok {
			fatal(fmt.Errorf("bad --priority %q (valid: P0..P3)", enqueuePriority))
		}
		req.Priority = pri
		if enqueueJSON != "" {
			if err := json.Unmarshal([]byte(enqueueJSON), &req.Params); err != nil {
				fatal(fmt.Errorf("bad --params: %w", err))
			}
		}
		for _, kv := range enqueueParams {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				fatal(fmt.Errorf("bad --param %q, want key=value", kv))
			}
			if req.Params == nil {
				req.Params = make(map[string]any)
			}
			req.Params[k] = v
		}

		cfg := loadConfig()
		if err := cfg.EnsureStateDir(); err != nil {
			fatal(err)
		}
		data, err := json.MarshalIndent(req, "", "  ")
		if err != nil {
			fatal(err)
		}
		path := filepath.Join(cfg.SpoolDir(), event.NewID()+".json")
		if err := statefile.WriteAtomic(path, data); err != nil {
			fatal(err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"spooled": path})
			return
		}
		fmt.Printf("Spooled %s action to %s\n", req.Type, path)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueTarget, "target", "", "action target (command line, URL, or tool name)")
	enqueueCmd.Flags().StringVar(&enqueueJSON, "params", "", "action parameters as a JSON object")
	enqueueCmd.Flags().StringArrayVar(&enqueueParams, "param", nil, "action parameter as key=value (repeatable)")
	enqueueCmd.Flags().StringVar(&enqueueRisk, "risk", "", "risk override (LOW, MEDIUM, HIGH)")
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "P2", "scheduling priority (P0..P3)")
	enqueueCmd.Flags().StringVar(&enqueueProcess, "process", "", "only run while this process is alive")
	enqueueCmd.Flags().BoolVar(&enqueueApprove, "approve", false, "pre-approve a HIGH risk action")
	rootCmd.AddCommand(enqueueCmd)
}
