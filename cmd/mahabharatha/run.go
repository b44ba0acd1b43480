package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/graph"
	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/merrors"
	"github.com/mahabharatha/orchestrator/pkg/metrics"
	"github.com/mahabharatha/orchestrator/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run <feature>",
	Short: "Run a feature's task graph to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Int("workers", 0, "Override workers.max_concurrent for this run")
	runCmd.Flags().String("mode", "", "Backend to use: cooperative, process, or container (overrides config)")
	runCmd.Flags().Bool("dry-run", false, "Validate the task graph and print the planned levels without running anything")
	runCmd.Flags().String("task-graph", "", "Path to the task graph document (defaults to <spec_dir>/<feature>.json)")
}

func runRun(cmd *cobra.Command, args []string) error {
	feature := args[0]
	workers, _ := cmd.Flags().GetInt("workers")
	mode, _ := cmd.Flags().GetString("mode")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	taskGraphFlag, _ := cmd.Flags().GetString("task-graph")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("state_store", false, "initializing")
	metrics.RegisterComponent("backend", false, "initializing")
	metrics.RegisterComponent("scheduler", false, "initializing")

	rt, err := newRuntime(configPath(cmd), feature, mode)
	if err != nil {
		return err
	}
	defer rt.Close()

	metrics.RegisterComponent("state_store", true, "ready")
	metrics.RegisterComponent("backend", true, string(rt.backend.Kind()))

	if workers > 0 {
		rt.cfg.Workers.MaxConcurrent = workers
	}

	taskGraphPath := taskGraphFlag
	if taskGraphPath == "" {
		taskGraphPath = filepath.Join(rt.cfg.SpecDir, feature+".json")
	}
	data, err := os.ReadFile(taskGraphPath)
	if err != nil {
		return exitErrorf(3, "read task graph %s: %v", taskGraphPath, err)
	}

	g, err := graph.Load(data)
	if err != nil {
		if verr, ok := err.(*merrors.ValidationError); ok {
			fmt.Fprintln(os.Stderr, verr.Error())
			return exitErrorf(2, "task graph validation failed")
		}
		return exitErrorf(2, "parse task graph: %v", err)
	}

	if dryRun {
		for _, level := range g.Levels() {
			fmt.Printf("level %d: %v\n", level, g.ByLevel(level))
		}
		return nil
	}

	if err := rt.feature.InitTasks(g.Tasks); err != nil {
		return exitErrorf(3, "initialize task state: %v", err)
	}

	go serveMetrics(cmd)
	metrics.RegisterComponent("scheduler", true, "ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	rt.sched.Start(ctx)

	select {
	case <-rt.sched.Done():
	case <-sigCh:
		log.WithFeature(feature).Info().Msg("interrupt received, requesting cooperative cancel")
		_ = rt.sched.Stop()
		<-rt.sched.Done()
	}

	switch rt.sched.Outcome() {
	case scheduler.OutcomeDone:
		fmt.Printf("feature %s: all levels DONE\n", feature)
		return nil
	case scheduler.OutcomeCancelled:
		fmt.Printf("feature %s: cancelled\n", feature)
		return exitErrorf(130, "run cancelled")
	default:
		fmt.Printf("feature %s: failed\n", feature)
		return exitErrorf(1, "run failed")
	}
}

func serveMetrics(cmd *cobra.Command) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("metrics server exited")
	}
}
