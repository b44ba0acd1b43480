/*
Package reconciler fixes drift between the state store's logical view of a
feature's task graph and reality.

Three drift classes are corrected (spec §4.5.3):

  - A task left CLAIMED or IN_PROGRESS by a worker that crashed or exited is
    marked FAILED with reason "worker_crash", without charging the task's
    retry budget.
  - A level marked DONE that still holds a non-terminal task is demoted back
    to IN_PROGRESS so the scheduler keeps driving it.
  - A task whose level was never set is recovered from its id's *-L{n}-*
    fallback convention, or flagged invalid if the id doesn't match.

ReconcilePeriodic runs the first fix on a background ticker.
ReconcileBeforeLevelTransition runs all three and is called by the scheduler
immediately before it advances CurrentLevel, so a level is never closed out
over stale state.
*/
package reconciler
