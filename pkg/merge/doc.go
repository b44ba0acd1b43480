/*
Package merge finalizes one level of a feature's task graph once the
scheduler has determined every task at that level is terminal and at least
one completed (spec §4.6).

The pipeline, in order:

  - create a staging branch off the feature's base branch;
  - run configured pre-merge gates against it, aborting on a required
    failure;
  - merge each completed task's worker branch into staging, in branch-name
    order;
  - run post-merge gates, then a bounded improvement loop (default 1
    iteration, i.e. a no-op) that re-runs gates until they pass or the
    iteration budget is spent;
  - check (advisory only) whether CHANGELOG.md changed relative to the base
    branch;
  - fast-forward the base branch onto staging, delete the merged worker
    branches and worktrees, and mark the level DONE.

Any gate failure or merge conflict aborts: the staging branch is left
intact for inspection and the level is marked FAILED with the triggering
error recorded as the level's failure reason.
*/
package merge
