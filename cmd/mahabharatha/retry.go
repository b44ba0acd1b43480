package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

var retryCmd = &cobra.Command{
	Use:   "retry <feature>",
	Short: "Reset matched tasks to PENDING and zero their attempt count",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	retryCmd.Flags().String("task", "", "Retry a single task by id")
	retryCmd.Flags().Bool("all-failed", false, "Retry every task currently FAILED")
}

func runRetry(cmd *cobra.Command, args []string) error {
	feature := args[0]
	taskID, _ := cmd.Flags().GetString("task")
	allFailed, _ := cmd.Flags().GetBool("all-failed")

	if taskID == "" && !allFailed {
		return exitErrorf(3, "retry requires --task <id> or --all-failed")
	}

	cfg, err := loadConfigOnly(cmd)
	if err != nil {
		return err
	}

	root, err := store.NewRoot(cfg.StateRoot)
	if err != nil {
		return exitErrorf(3, "open state store: %v", err)
	}
	f := root.Feature(feature)

	var ids []string
	if taskID != "" {
		ids = []string{taskID}
	} else {
		failed, err := f.GetTasksByStatusAndLevel(types.TaskFailed, 0)
		if err != nil {
			return exitErrorf(1, "list failed tasks: %v", err)
		}
		for _, t := range failed {
			ids = append(ids, t.ID)
		}
	}

	if len(ids) == 0 {
		fmt.Println("no tasks matched")
		return nil
	}

	for _, id := range ids {
		if err := f.ResetTask(id); err != nil {
			return exitErrorf(1, "reset task %s: %v", id, err)
		}
		fmt.Printf("reset %s to PENDING\n", id)
	}
	return nil
}
