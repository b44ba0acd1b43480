package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/mahabharatha/orchestrator/pkg/worktree"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <feature>",
	Short: "Delete a feature's worktrees, worker branches, and transient state",
	Args:  cobra.ExactArgs(1),
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().Bool("keep-logs", false, "Keep the state document and monitor log; only remove worktrees and branches")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	feature := args[0]
	keepLogs, _ := cmd.Flags().GetBool("keep-logs")

	cfg, err := loadConfigOnly(cmd)
	if err != nil {
		return err
	}

	repoRoot, err := gitOutput("rev-parse", "--show-toplevel")
	if err != nil {
		return exitErrorf(3, "resolve repository root: %v", err)
	}

	root, err := store.NewRoot(cfg.StateRoot)
	if err != nil {
		return exitErrorf(3, "open state store: %v", err)
	}
	f := root.Feature(feature)

	doc, err := f.Load()
	if err != nil {
		return exitErrorf(1, "load state for %s: %v", feature, err)
	}

	wt := worktree.New(repoRoot, cfg.WorktreeRoot, 0)
	for id := range doc.Workers {
		path := wt.Path(id, feature)
		if err := wt.Delete(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: remove worktree %s: %v\n", path, err)
		}
		branch := types.BranchName(id, feature)
		if err := deleteBranch(repoRoot, branch); err != nil {
			fmt.Fprintf(os.Stderr, "warning: delete branch %s: %v\n", branch, err)
		}
		fmt.Printf("cleaned worker %d (worktree %s, branch %s)\n", id, path, branch)
	}

	if !keepLogs {
		if err := removeFeatureFiles(cfg.StateRoot, feature); err != nil {
			return exitErrorf(1, "remove state files: %v", err)
		}
		fmt.Printf("removed state document and logs for %s\n", feature)
	}

	return nil
}

func deleteBranch(repoRoot, branch string) error {
	cmd := exec.Command("git", "branch", "-D", branch)
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git branch -D %s: %w (%s)", branch, err, string(out))
	}
	return nil
}

func removeFeatureFiles(stateRoot, feature string) error {
	entries, err := os.ReadDir(stateRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	prefix := feature + "."
	for _, e := range entries {
		name := e.Name()
		if name == feature+".json" || len(name) > len(prefix) && name[:len(prefix)] == prefix {
			if err := os.Remove(stateRootJoin(stateRoot, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

func stateRootJoin(root, name string) string {
	return root + string(os.PathSeparator) + name
}
