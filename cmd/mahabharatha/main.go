// Command mahabharatha drives a feature's task graph through the level-gated
// scheduler: run, inspect, stop, retry, and clean up a feature's worktrees
// and branches (spec §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// run executes the root command and maps any returned error to an exit
// code, preferring an *exitError's carried code over the generic 1 (spec §6
// "Exit codes").
func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if ee, ok := err.(*exitError); ok {
			return ee.code
		}
		return 1
	}
	return 0
}

// exitError carries a specific exit code through cobra's RunE -> Execute
// path (spec §6 exit codes 0/1/2/3/124/130).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitErrorf(code int, format string, args ...interface{}) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "mahabharatha",
	Short: "Orchestrate parallel AI coding agents against one git repository",
	Long: `mahabharatha drives a feature's task graph to completion: it spawns
workers that each claim, execute, and verify tasks in isolated git
worktrees, then merges each completed level through a gated merge
coordinator before advancing.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mahabharatha version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to the orchestrator config YAML (defaults to .mahabharatha/config.yaml)")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9091", "Address the metrics/health HTTP server listens on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return path
	}
	return ".mahabharatha/config.yaml"
}
