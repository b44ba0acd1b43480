package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

var stopCmd = &cobra.Command{
	Use:   "stop <feature>",
	Short: "Request cooperative cancellation of a running feature",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().Bool("force", false, "Do not wait for the grace period before reporting stopped")
}

func runStop(cmd *cobra.Command, args []string) error {
	feature := args[0]
	force, _ := cmd.Flags().GetBool("force")

	cfg, err := loadConfigOnly(cmd)
	if err != nil {
		return err
	}

	root, err := store.NewRoot(cfg.StateRoot)
	if err != nil {
		return exitErrorf(3, "open state store: %v", err)
	}
	f := root.Feature(feature)

	if err := f.RequestCancel(); err != nil {
		return exitErrorf(1, "request cancel: %v", err)
	}
	fmt.Printf("cancel requested for %s\n", feature)

	if force {
		return nil
	}

	grace := time.Duration(cfg.Workers.HeartbeatIntervalSeconds) * 2 * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		doc, err := f.Load()
		if err != nil {
			return exitErrorf(1, "load state for %s: %v", feature, err)
		}
		if allWorkersIdle(doc) {
			fmt.Printf("%s stopped cleanly\n", feature)
			return nil
		}
		time.Sleep(time.Second)
	}

	fmt.Printf("%s: grace period elapsed with workers still active; state left for reconciliation\n", feature)
	return nil
}

func allWorkersIdle(doc *types.StateDocument) bool {
	for _, w := range doc.Workers {
		if w.Status == types.WorkerBusy {
			return false
		}
	}
	return true
}
