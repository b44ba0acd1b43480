package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <feature>",
	Short: "Print a feature's current level, task, and worker status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	feature := args[0]

	cfg, err := loadConfigOnly(cmd)
	if err != nil {
		return err
	}

	root, err := store.NewRoot(cfg.StateRoot)
	if err != nil {
		return exitErrorf(3, "open state store: %v", err)
	}

	doc, err := root.Feature(feature).Load()
	if err != nil {
		return exitErrorf(1, "load state for %s: %v", feature, err)
	}

	fmt.Printf("feature: %s (schema v%d)\n", doc.Feature, doc.SchemaVersion)
	fmt.Printf("current level: %d\n", doc.CurrentLevel)
	fmt.Printf("paused: %v  cancel_requested: %v\n\n", doc.Paused, doc.CancelRequested)

	levels := make([]int, 0, len(doc.Levels))
	for l := range doc.Levels {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	for _, l := range levels {
		lvl := doc.Levels[l]
		fmt.Printf("level %d: %s", l, lvl.Status)
		if lvl.FailureReason != "" {
			fmt.Printf(" (%s)", lvl.FailureReason)
		}
		fmt.Println()
	}
	fmt.Println()

	taskIDs := make([]string, 0, len(doc.Tasks))
	for id := range doc.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		t := doc.Tasks[id]
		fmt.Printf("  %-24s L%-3d %-12s attempt=%d", id, t.Level, t.Status, t.Attempt)
		if t.WorkerID != nil {
			fmt.Printf(" worker=%d", *t.WorkerID)
		}
		if t.Reason != "" {
			fmt.Printf(" reason=%q", t.Reason)
		}
		fmt.Println()
	}
	fmt.Println()

	workerIDs := make([]int, 0, len(doc.Workers))
	for id := range doc.Workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Ints(workerIDs)
	for _, id := range workerIDs {
		w := doc.Workers[id]
		fmt.Printf("  worker %-3d %-10s task=%s branch=%s\n", id, w.Status, w.TaskID, w.Branch)
	}

	return nil
}
