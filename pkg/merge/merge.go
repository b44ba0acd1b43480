// Package merge implements the merge coordinator invoked once per level once
// every task is terminal and at least one is COMPLETE (spec §4.6): create a
// staging branch, run pre-merge gates, merge each completed worker branch
// into staging, run post-merge gates, run a bounded improvement loop, then
// fast-forward the feature branch and clean up worker branches/worktrees.
//
// Grounded on tim-coutinho-agentops/cli/internal/rpi/worktree.go's
// MergeWorktree/performMerge/handleMergeFailure: every git invocation runs
// through exec.CommandContext with a bounded timeout, a merge conflict is
// diagnosed via "git diff --name-only --diff-filter=U" before "git merge
// --abort", generalized from one worktree merging into a single branch to N
// worker branches merged sequentially into a level staging branch.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahabharatha/orchestrator/pkg/config"
	"github.com/mahabharatha/orchestrator/pkg/gate"
	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/metrics"
	"github.com/mahabharatha/orchestrator/pkg/store"
	"github.com/mahabharatha/orchestrator/pkg/types"
	"github.com/mahabharatha/orchestrator/pkg/worktree"
)

// ErrGateFailed is returned when a required gate fails.
type ErrGateFailed struct {
	Gate  string
	Phase string
}

func (e *ErrGateFailed) Error() string {
	return fmt.Sprintf("merge: required gate %q failed in %s phase", e.Gate, e.Phase)
}

// ErrMergeConflict is returned when a worker branch can't be merged cleanly.
type ErrMergeConflict struct {
	Task  string
	Files []string
}

func (e *ErrMergeConflict) Error() string {
	return fmt.Sprintf("merge: conflict merging task %s: %s", e.Task, strings.Join(e.Files, ", "))
}

// Coordinator finalizes one feature's levels. It satisfies
// scheduler.MergeCoordinator.
type Coordinator struct {
	feature    *store.Feature
	worktrees  *worktree.Manager
	cfg        *config.Config
	repoRoot   string
	baseBranch string
	logger     zerolog.Logger
}

// New returns a Coordinator operating against repoRoot's main checkout.
func New(feature *store.Feature, worktrees *worktree.Manager, cfg *config.Config, repoRoot, baseBranch string) *Coordinator {
	return &Coordinator{
		feature:    feature,
		worktrees:  worktrees,
		cfg:        cfg,
		repoRoot:   repoRoot,
		baseBranch: baseBranch,
		logger:     log.WithComponent("merge"),
	}
}

// MergeLevel runs the full pipeline for one level (spec §4.6 steps 1-6).
func (c *Coordinator) MergeLevel(ctx context.Context, level int) error {
	timer := metrics.NewTimer()
	outcome := "success"
	defer func() { timer.ObserveDurationVec(metrics.MergeDuration, outcome) }()

	staging := types.StagingBranchName(c.feature.FeatureName(), level)
	if err := c.createStagingBranch(staging); err != nil {
		outcome = "failed"
		return fmt.Errorf("prepare staging branch %s: %w", staging, err)
	}

	var outcomes []types.GateOutcome

	preOutcomes, err := c.runGates(ctx, "pre", staging)
	outcomes = append(outcomes, preOutcomes...)
	if err != nil {
		outcome = "failed"
		c.abort(level, staging, outcomes, err)
		return err
	}

	tasks, err := c.feature.GetTasksByStatusAndLevel(types.TaskComplete, level)
	if err != nil {
		outcome = "failed"
		return fmt.Errorf("list completed tasks for level %d: %w", level, err)
	}

	if err := c.mergeWorkerBranches(staging, tasks); err != nil {
		outcome = "failed"
		c.abort(level, staging, outcomes, err)
		return err
	}

	postOutcomes, err := c.runGates(ctx, "post", staging)
	outcomes = append(outcomes, postOutcomes...)
	if err != nil {
		outcome = "failed"
		c.abort(level, staging, outcomes, err)
		return err
	}

	if err := c.runImprovementLoop(ctx, staging, postOutcomes); err != nil {
		outcome = "failed"
		c.abort(level, staging, outcomes, err)
		return err
	}

	if err := c.checkChangelog(staging); err != nil {
		c.logger.Warn().Err(err).Int("level", level).Msg("changelog ship-hook check failed, continuing (advisory only)")
	}

	if err := c.finalize(level, staging, tasks); err != nil {
		outcome = "failed"
		c.abort(level, staging, outcomes, err)
		return err
	}

	if err := c.feature.SetLevelGateOutcomes(level, outcomes, ""); err != nil {
		outcome = "failed"
		return fmt.Errorf("record gate outcomes for level %d: %w", level, err)
	}
	return nil
}

// createStagingBranch branches staging off baseBranch, recreating it if a
// prior failed attempt left one behind.
func (c *Coordinator) createStagingBranch(staging string) error {
	_, _ = c.git("branch", "-D", staging)
	if _, err := c.git("branch", staging, c.baseBranch); err != nil {
		return err
	}
	if _, err := c.git("checkout", staging); err != nil {
		return err
	}
	return nil
}

// runGates executes every configured gate against the currently checked-out
// staging branch, in declared order, stopping at the first required failure.
func (c *Coordinator) runGates(ctx context.Context, phase, staging string) ([]types.GateOutcome, error) {
	var outcomes []types.GateOutcome
	for _, g := range c.cfg.Gates {
		timer := metrics.NewTimer()
		result, err := gate.Run(ctx, g.Command, c.repoRoot, time.Duration(g.Timeout)*time.Second)
		timer.ObserveDurationVec(metrics.GateDuration, g.Name, phase)
		if err != nil {
			return outcomes, fmt.Errorf("run gate %s (%s): %w", g.Name, phase, err)
		}
		outcomes = append(outcomes, types.GateOutcome{
			Name: g.Name, Phase: phase, Passed: result.Passed,
			Required: g.Required, Output: result.Output, RanAt: time.Now(),
		})
		if !result.Passed && g.Required {
			metrics.GateFailuresTotal.WithLabelValues(g.Name, phase).Inc()
			return outcomes, &ErrGateFailed{Gate: g.Name, Phase: phase}
		}
	}
	return outcomes, nil
}

// mergeWorkerBranches merges each completed task's worker branch into the
// currently checked-out staging branch, sequentially (spec §4.6 step 3).
func (c *Coordinator) mergeWorkerBranches(staging string, tasks []*types.Task) error {
	branches := make([]string, 0, len(tasks))
	byBranch := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		if t.WorkerID == nil {
			continue
		}
		branch := types.BranchName(*t.WorkerID, c.feature.FeatureName())
		branches = append(branches, branch)
		byBranch[branch] = t
	}
	sort.Strings(branches)

	for _, branch := range branches {
		if _, err := c.git("merge", "--no-ff", "-m", "merge "+branch+" into "+staging, branch); err != nil {
			files, diffErr := c.conflictFiles()
			_, _ = c.git("merge", "--abort")
			if diffErr == nil && len(files) > 0 {
				return &ErrMergeConflict{Task: byBranch[branch].ID, Files: files}
			}
			return fmt.Errorf("merge branch %s into %s: %w", branch, staging, err)
		}
	}
	return nil
}

func (c *Coordinator) conflictFiles() ([]string, error) {
	out, err := c.git("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// runImprovementLoop re-runs gates in bounded iterations to let the
// post-merge run's outcome feed automated fixes (spec §4.6 "Improvement
// loop"). The initial post-merge outcomes are reused as the loop's starting
// score rather than re-executed, so an iteration count of 1 costs nothing
// beyond the post-merge gate run already performed.
func (c *Coordinator) runImprovementLoop(ctx context.Context, staging string, initial []types.GateOutcome) error {
	maxIterations := c.cfg.ImprovementLoops.MaxIterations
	if maxIterations <= 1 {
		return nil
	}
	passed := allRequiredPassed(initial)
	for iteration := 1; iteration < maxIterations && !passed; iteration++ {
		outcomes, err := c.runGates(ctx, "post", staging)
		if err != nil {
			return err
		}
		passed = allRequiredPassed(outcomes)
	}
	if !passed {
		return fmt.Errorf("merge: improvement loop exhausted %d iterations without all required gates passing", maxIterations)
	}
	return nil
}

func allRequiredPassed(outcomes []types.GateOutcome) bool {
	for _, o := range outcomes {
		if o.Required && !o.Passed {
			return false
		}
	}
	return true
}

// checkChangelog is the advisory ship-hook contract (spec §4.6 "CHANGELOG
// check"): warn, don't fail, when CHANGELOG.md wasn't touched relative to
// the base branch.
func (c *Coordinator) checkChangelog(staging string) error {
	out, err := c.git("diff", "--name-only", c.baseBranch, staging, "--", "CHANGELOG.md")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return fmt.Errorf("CHANGELOG.md not modified relative to %s", c.baseBranch)
	}
	return nil
}

// finalize fast-forwards the feature branch onto staging and deletes worker
// branches/worktrees for the merged tasks (spec §4.6 step 5).
func (c *Coordinator) finalize(level int, staging string, tasks []*types.Task) error {
	if _, err := c.git("checkout", c.baseBranch); err != nil {
		return fmt.Errorf("checkout base branch %s: %w", c.baseBranch, err)
	}
	if _, err := c.git("merge", "--ff-only", staging); err != nil {
		return fmt.Errorf("fast-forward %s onto %s: %w", c.baseBranch, staging, err)
	}

	for _, t := range tasks {
		if t.WorkerID == nil {
			continue
		}
		branch := types.BranchName(*t.WorkerID, c.feature.FeatureName())
		path := c.worktrees.Path(*t.WorkerID, c.feature.FeatureName())
		if err := c.worktrees.Delete(path); err != nil {
			c.logger.Warn().Err(err).Str("worktree", path).Msg("delete worker worktree after merge failed")
		}
		if _, err := c.git("branch", "-D", branch); err != nil {
			c.logger.Warn().Err(err).Str("branch", branch).Msg("delete worker branch after merge failed")
		}
	}

	if err := c.feature.SetLevelStatus(level, types.LevelDone); err != nil {
		return fmt.Errorf("mark level %d done: %w", level, err)
	}
	return nil
}

// abort leaves the staging branch intact for inspection and marks the level
// FAILED with the triggering error recorded (spec §4.6 step 6).
func (c *Coordinator) abort(level int, staging string, outcomes []types.GateOutcome, cause error) {
	_, _ = c.git("checkout", c.baseBranch)
	if err := c.feature.SetLevelGateOutcomes(level, outcomes, cause.Error()); err != nil {
		c.logger.Error().Err(err).Int("level", level).Msg("record gate outcomes on abort failed")
	}
	if err := c.feature.SetLevelStatus(level, types.LevelFailed); err != nil {
		c.logger.Error().Err(err).Int("level", level).Msg("mark level failed on abort failed")
	}
	c.logger.Error().Err(cause).Int("level", level).Str("staging_branch", staging).Msg("merge aborted, staging branch left for inspection")
}

func (c *Coordinator) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = c.repoRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
