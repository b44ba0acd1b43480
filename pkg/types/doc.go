/*
Package types defines the core data structures used throughout the
orchestrator.

This package contains the domain model shared by every other package: tasks,
workers, levels and execution events. It is the one package every other
package imports; it imports nothing from the rest of the module.

# Core Types

Task Graph:
  - Task: a unit of work with dependencies, file ownership, and a
    verification contract
  - FileOwnership: the create/modify/read path sets a task declares
  - Verification: the shell command + timeout that decides pass/fail

Execution:
  - Worker: a logical executor slot bound to a backend, branch and worktree
  - Level: a wave of tasks sharing dependency depth
  - ExecutionEvent: an append-only record of what happened and when

State:
  - StateDocument: the single persisted unit per feature, owned exclusively
    by pkg/store

# State Machine

Tasks follow the state machine in spec §4.5:

	pending → {claimed, in_progress, failed}
	claimed → {in_progress, pending, failed}
	in_progress → {complete, failed, paused}
	complete → {}            (terminal)
	failed → {pending}       (retry only)
	paused → {in_progress, failed}

Transitions not in this table are logged and still applied (see
IsValidTaskTransition); the store never silently diverges from what it
persists.

# Thread Safety

Types in this package carry no synchronization of their own. All mutation of
persisted state goes through pkg/store's mutex and file lock; in-memory copies
returned by the store's read operations are snapshots and safe to read
without further locking.
*/
package types
