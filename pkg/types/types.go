package types

import "time"

// TaskStatus is the task state-machine value (spec §4.5).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
	TaskPaused     TaskStatus = "paused"
)

// validTaskTransitions mirrors the table in spec §4.5.
var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskClaimed, TaskInProgress, TaskFailed},
	TaskClaimed:    {TaskInProgress, TaskPending, TaskFailed},
	TaskInProgress: {TaskComplete, TaskFailed, TaskPaused},
	TaskComplete:   {},
	TaskFailed:     {TaskPending},
	TaskPaused:     {TaskInProgress, TaskFailed},
}

// IsValidTaskTransition reports whether from -> to is one of the transitions
// named by the state machine. The store applies transitions regardless
// (warn-and-allow) but uses this to decide whether to log a warning and
// record an invalid_transition event.
func IsValidTaskTransition(from, to TaskStatus) bool {
	for _, allowed := range validTaskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WorkerStatus is the lifecycle state of a worker slot.
type WorkerStatus string

const (
	WorkerSpawning WorkerStatus = "spawning"
	WorkerReady    WorkerStatus = "ready"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStalled  WorkerStatus = "stalled"
	WorkerExited   WorkerStatus = "exited"
	WorkerCrashed  WorkerStatus = "crashed"
)

// LevelStatus is the aggregate status of a level.
type LevelStatus string

const (
	LevelPending    LevelStatus = "pending"
	LevelInProgress LevelStatus = "in_progress"
	LevelMerging    LevelStatus = "merging"
	LevelDone       LevelStatus = "done"
	LevelFailed     LevelStatus = "failed"
)

// Backend names the execution backend a worker runs under.
type Backend string

const (
	BackendCooperative Backend = "cooperative"
	BackendProcess     Backend = "process"
	BackendContainer   Backend = "container"
)

// FileOwnership is the declared create/modify/read set of a task.
type FileOwnership struct {
	Create []string `json:"create,omitempty" yaml:"create,omitempty"`
	Modify []string `json:"modify,omitempty" yaml:"modify,omitempty"`
	Read   []string `json:"read,omitempty" yaml:"read,omitempty"`
}

// WriteSet returns the create ∪ modify paths: the set that must be disjoint
// across tasks at the same level (ownership pass, spec §4.1).
func (f FileOwnership) WriteSet() []string {
	out := make([]string, 0, len(f.Create)+len(f.Modify))
	out = append(out, f.Create...)
	out = append(out, f.Modify...)
	return out
}

// Verification is a task's pass/fail contract.
type Verification struct {
	Command        string `json:"command" yaml:"command"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Task is one unit of work in the task graph. Structural fields are
// immutable after graph load; only the status/claim fields mutate, and only
// through the state store.
type Task struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Level        int           `json:"level"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Files        FileOwnership `json:"files"`
	Verification Verification  `json:"verification"`

	Status       TaskStatus `json:"status"`
	WorkerID     *int       `json:"worker_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	Attempt      int        `json:"attempt"`
	NextEligible *time.Time `json:"next_eligible_after,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Worker is a logical executor slot.
type Worker struct {
	ID            int          `json:"id"`
	Status        WorkerStatus `json:"status"`
	TaskID        string       `json:"task_id,omitempty"`
	Branch        string       `json:"branch"`
	Worktree      string       `json:"worktree"`
	Backend       Backend      `json:"backend"`
	BackendHandle string       `json:"backend_handle,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RestartCount  int          `json:"restart_count"`
	RespawnCount  int          `json:"respawn_count"`
}

// BranchName returns the worker-{id}/{feature} convention (spec §4.3).
func BranchName(workerID int, feature string) string {
	return "worker-" + itoa(workerID) + "/" + feature
}

// StagingBranchName returns the staging/{feature}/L{level} convention.
func StagingBranchName(feature string, level int) string {
	return "staging/" + feature + "/L" + itoa(level)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// GateOutcome records one gate's result against a level's staging branch.
type GateOutcome struct {
	Name     string    `json:"name"`
	Phase    string    `json:"phase"` // "pre" or "post"
	Passed   bool      `json:"passed"`
	Required bool      `json:"required"`
	Output   string    `json:"output,omitempty"`
	RanAt    time.Time `json:"ran_at"`
}

// Level is a wave of tasks sharing dependency depth.
type Level struct {
	Number        int           `json:"number"`
	Status        LevelStatus   `json:"status"`
	StagingBranch string        `json:"staging_branch,omitempty"`
	GateOutcomes  []GateOutcome `json:"gate_outcomes,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// EventKind enumerates execution event kinds.
type EventKind string

const (
	EventSpawn             EventKind = "spawn"
	EventRetry             EventKind = "retry"
	EventReady             EventKind = "ready"
	EventClaim             EventKind = "claim"
	EventStart             EventKind = "start"
	EventComplete          EventKind = "complete"
	EventFail              EventKind = "fail"
	EventTimeout           EventKind = "timeout"
	EventReassign          EventKind = "reassign"
	EventCrash             EventKind = "crash"
	EventHeartbeatStale    EventKind = "heartbeat-stale"
	EventReconcileFix      EventKind = "reconcile-fix"
	EventLevelComplete     EventKind = "level-complete"
	EventInvalidTransition EventKind = "invalid_transition"
)

// ExecutionEvent is one append-only record in the state document's event log.
// The log is tail-bounded; see pkg/events.
type ExecutionEvent struct {
	Timestamp time.Time              `json:"ts"`
	WorkerID  *int                   `json:"worker_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Level     int                    `json:"level,omitempty"`
	Kind      EventKind              `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// StateDocument is the unit of persistence, one per feature.
type StateDocument struct {
	Feature         string           `json:"feature"`
	SchemaVersion   int              `json:"schema_version"`
	Tasks           map[string]*Task `json:"tasks"`
	Workers         map[int]*Worker  `json:"workers"`
	Levels          map[int]*Level   `json:"levels"`
	Events          []ExecutionEvent `json:"events"`
	Paused          bool             `json:"paused"`
	CancelRequested bool             `json:"cancel_requested"`
	CurrentLevel    int              `json:"current_level"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewStateDocument returns an empty, initialized state document for feature.
func NewStateDocument(feature string) *StateDocument {
	return &StateDocument{
		Feature:       feature,
		SchemaVersion: 2,
		Tasks:         make(map[string]*Task),
		Workers:       make(map[int]*Worker),
		Levels:        make(map[int]*Level),
		Events:        make([]ExecutionEvent, 0),
		CurrentLevel:  1,
		UpdatedAt:     time.Now(),
	}
}
