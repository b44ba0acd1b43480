/*
Package scheduler drives one feature's task graph to completion, level by
level, across a fixed pool of worker slots (spec §4.5).

Each cycle of the main loop:

  - reconciles drift periodically (every ~60s; see pkg/reconciler);
  - checks the pause and cancel control flags;
  - tops worker slots up to workers.max_concurrent, respawning crashed or
    stalled slots when auto_respawn is enabled;
  - reclaims tasks stuck IN_PROGRESS past task_stale_timeout_seconds and
    workers whose heartbeat is older than heartbeat_stale_threshold_seconds;
  - requeues FAILED tasks that haven't exhausted max_task_attempts;
  - once every task at the current level is terminal, hands the level to the
    merge coordinator and, on success, advances to the next level.

Levels are strictly ordered: no task at level L+1 is eligible for claim until
every task at level L is terminal and the merge coordinator has finalized L.
Within a level the scheduler claims any eligible task — file-ownership
exclusivity is a static property checked at graph-load time, not at claim
time.
*/
package scheduler
