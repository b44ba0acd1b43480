// Package store implements the durable state document described in spec
// §4.2: one JSON document per feature, an in-process sync.Mutex (not
// reentrant: a Feature method holding it cannot call another Feature method)
// plus a cross-process file lock held across the whole read-modify-write cycle,
// atomic temp-then-rename writes, and mtime-based reload.
//
// Grounded on cuemby-warren's pkg/storage/boltdb.go for the CRUD-per-entity
// shape (translated from bbolt buckets to one JSON document, since the spec
// mandates a single file with atomic rename rather than an embedded KV
// store) and on tim-coutinho-agentops's atomicWrite for the temp-file+Sync+
// Rename sequence.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mahabharatha/orchestrator/pkg/log"
	"github.com/mahabharatha/orchestrator/pkg/types"
)

// Root manages state documents for every feature under one directory. Call
// Feature to get a handle bound to a single feature's document.
type Root struct {
	dir string

	mu    sync.Mutex
	cache map[string]*cachedDocument

	spill func(feature string, event types.ExecutionEvent)
}

// SetEventSpillHook registers fn to receive an event that's about to be
// dropped from a document's bounded tail (spec §3 "execution events
// (tail-bounded)"). The orchestrator wires this to pkg/events.TailStore.Append
// at startup so events evicted from the JSON document stay queryable; store
// itself has no dependency on pkg/events.
func (r *Root) SetEventSpillHook(fn func(feature string, event types.ExecutionEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spill = fn
}

type cachedDocument struct {
	doc   *types.StateDocument
	mtime time.Time
}

// NewRoot returns a Root rooted at dir (created if absent).
func NewRoot(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state root %s: %w", dir, err)
	}
	return &Root{dir: dir, cache: make(map[string]*cachedDocument)}, nil
}

// Feature returns a handle bound to a single feature's state document. All
// of the spec §4.2 contract operations are methods on Feature.
func (r *Root) Feature(feature string) *Feature {
	return &Feature{root: r, feature: feature}
}

func (r *Root) statePath(feature string) string {
	return filepath.Join(r.dir, feature+".json")
}

func (r *Root) monitorLogPath(feature string) string {
	return filepath.Join(r.dir, feature+".monitor.log")
}

func (r *Root) heartbeatPath(feature string, workerID int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.heartbeat-%d.json", feature, workerID))
}

func (r *Root) progressPath(feature string, workerID int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.progress-%d.json", feature, workerID))
}

// loadLocked returns the freshest in-memory copy for feature, reloading from
// disk if its mtime has advanced. Must be called with r.mu held.
func (r *Root) loadLocked(feature string) (*types.StateDocument, error) {
	path := r.statePath(feature)

	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if cached, ok := r.cache[feature]; ok {
				return cached.doc, nil
			}
			doc := types.NewStateDocument(feature)
			r.cache[feature] = &cachedDocument{doc: doc}
			return doc, nil
		}
		return nil, fmt.Errorf("stat state document %s: %w", path, statErr)
	}

	if cached, ok := r.cache[feature]; ok && !info.ModTime().After(cached.mtime) {
		return cached.doc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state document %s: %w", path, err)
	}
	var doc types.StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state document %s: %w", path, err)
	}
	r.cache[feature] = &cachedDocument{doc: &doc, mtime: info.ModTime()}
	return &doc, nil
}

// withDocument acquires the in-process mutex and the cross-process file
// lock for the entire duration of fn, reloads the freshest on-disk copy,
// lets fn mutate it in place, then persists the result atomically before
// releasing both locks. There is no public entry point that yields either
// lock mid-cycle (the TOCTOU hazard named in spec §4.2 and §9).
func (r *Root) withDocument(feature string, fn func(doc *types.StateDocument) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	release, err := newFileLock(r.statePath(feature)).acquire()
	if err != nil {
		return fmt.Errorf("acquire state lock for %s: %w", feature, err)
	}
	defer release()

	doc, err := r.loadLocked(feature)
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}

	doc.UpdatedAt = time.Now()
	return r.writeLocked(feature, doc)
}

// readDocument is the read-only counterpart of withDocument: it takes no
// file lock (readers only need a consistent mtime-checked snapshot) and
// returns a deep copy so callers cannot mutate the cache by reference.
func (r *Root) readDocument(feature string) (*types.StateDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked(feature)
	if err != nil {
		return nil, err
	}
	return cloneDocument(doc), nil
}

// writeLocked persists doc via write-to-temp-then-rename and refreshes the
// cache's mtime. Must be called with r.mu held.
func (r *Root) writeLocked(feature string, doc *types.StateDocument) error {
	path := r.statePath(feature)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-state-")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode state document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state document into place: %w", err)
	}
	success = true

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat written state document: %w", err)
	}
	r.cache[feature] = &cachedDocument{doc: doc, mtime: info.ModTime()}
	return nil
}

func (r *Root) appendMonitorLog(feature string, event types.ExecutionEvent) error {
	path := r.monitorLogPath(feature)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open monitor log %s: %w", path, err)
	}
	defer f.Close()

	line := struct {
		TS       time.Time              `json:"ts"`
		Level    int                    `json:"level"`
		WorkerID *int                   `json:"worker_id,omitempty"`
		Event    types.EventKind        `json:"event"`
		TaskID   string                 `json:"task_id,omitempty"`
		Data     map[string]interface{} `json:"data,omitempty"`
	}{
		TS:       event.Timestamp,
		Level:    event.Level,
		WorkerID: event.WorkerID,
		Event:    event.Kind,
		TaskID:   event.TaskID,
		Data:     event.Data,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal monitor log entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write monitor log entry: %w", err)
	}
	return f.Sync()
}

// Feature is a handle to one feature's state document. It exposes the
// operations named in spec §4.2's contract table.
type Feature struct {
	root    *Root
	feature string
}

// Load returns the state document, initializing an empty one if absent
// (spec §4.2 load contract).
func (f *Feature) Load() (*types.StateDocument, error) {
	return f.root.readDocument(f.feature)
}

// FeatureName returns the feature this handle is bound to.
func (f *Feature) FeatureName() string { return f.feature }

// ClaimTask returns at most one PENDING task in level whose dependencies are
// all COMPLETE, whose retry eligibility has arrived, and whose write-set is
// disjoint from every currently CLAIMED/IN_PROGRESS task's write-set, and
// atomically marks it CLAIMED by workerID (spec §4.2). Returns (nil, nil) if
// none is eligible.
func (f *Feature) ClaimTask(workerID, level int) (*types.Task, error) {
	var claimed *types.Task
	err := f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		ids := make([]string, 0)
		for id, t := range doc.Tasks {
			if t.Level == level {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		busyWriteSets := collectActiveWriteSets(doc)
		now := time.Now()

		for _, id := range ids {
			t := doc.Tasks[id]
			if t.Status != types.TaskPending {
				continue
			}
			if t.NextEligible != nil && t.NextEligible.After(now) {
				continue
			}
			if !allDepsComplete(doc, t) {
				continue
			}
			if writeSetsOverlap(t.Files.WriteSet(), busyWriteSets) {
				continue
			}

			wid := workerID
			t.Status = types.TaskClaimed
			t.WorkerID = &wid
			claimTime := now
			t.ClaimedAt = &claimTime
			f.root.appendEventLocked(f.feature, doc, types.ExecutionEvent{
				Timestamp: now,
				WorkerID:  &wid,
				TaskID:    t.ID,
				Level:     t.Level,
				Kind:      types.EventClaim,
			})
			claimed = t
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	return cloneTask(claimed), nil
}

func allDepsComplete(doc *types.StateDocument, t *types.Task) bool {
	for _, dep := range t.Dependencies {
		depTask, ok := doc.Tasks[dep]
		if !ok || depTask.Status != types.TaskComplete {
			return false
		}
	}
	return true
}

func collectActiveWriteSets(doc *types.StateDocument) [][]string {
	sets := make([][]string, 0)
	for _, t := range doc.Tasks {
		if t.Status == types.TaskClaimed || t.Status == types.TaskInProgress {
			sets = append(sets, t.Files.WriteSet())
		}
	}
	return sets
}

func writeSetsOverlap(candidate []string, active [][]string) bool {
	if len(candidate) == 0 {
		return false
	}
	candSet := make(map[string]bool, len(candidate))
	for _, p := range candidate {
		candSet[p] = true
	}
	for _, set := range active {
		for _, p := range set {
			if candSet[p] {
				return true
			}
		}
	}
	return false
}

// SetTaskStatus validates and applies a status transition, appending an
// event (spec §4.2). Invalid transitions are warned about and still applied
// (soft validation, spec §9): an invalid_transition event is additionally
// recorded so the monitor log carries a trace even though the store doesn't
// reject it.
func (f *Feature) SetTaskStatus(taskID string, status types.TaskStatus, reason string) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("set_task_status: unknown task %q", taskID)
		}

		from := t.Status
		if !types.IsValidTaskTransition(from, status) {
			log.WithFeature(f.feature).Warn().Str("task_id", taskID).Str("from", string(from)).Str("to", string(status)).Msg("invalid task transition applied")
			f.root.appendEventLocked(f.feature, doc, types.ExecutionEvent{
				Timestamp: time.Now(),
				TaskID:    taskID,
				Level:     t.Level,
				Kind:      types.EventInvalidTransition,
				Data:      map[string]interface{}{"from": string(from), "to": string(status)},
			})
		}

		t.Status = status
		if reason != "" {
			t.Reason = reason
		}
		if status == types.TaskFailed {
			t.Attempt++
		}

		kind := types.EventStart
		switch status {
		case types.TaskComplete:
			kind = types.EventComplete
		case types.TaskFailed:
			kind = types.EventFail
		case types.TaskInProgress:
			kind = types.EventStart
		}
		f.root.appendEventLocked(f.feature, doc, types.ExecutionEvent{
			Timestamp: time.Now(),
			WorkerID:  t.WorkerID,
			TaskID:    taskID,
			Level:     t.Level,
			Kind:      kind,
			Data:      map[string]interface{}{"reason": reason},
		})
		return nil
	})
}

// SetTaskStatusNoAttempt is SetTaskStatus but never increments Attempt, for
// infrastructure-class failures that must not count against retry budget
// (worker crash, watchdog reclaim — spec §4.2 retry bookkeeping, §7).
func (f *Feature) SetTaskStatusNoAttempt(taskID string, status types.TaskStatus, reason string) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("set_task_status: unknown task %q", taskID)
		}
		t.Status = status
		if reason != "" {
			t.Reason = reason
		}
		f.root.appendEventLocked(f.feature, doc, types.ExecutionEvent{
			Timestamp: time.Now(),
			WorkerID:  t.WorkerID,
			TaskID:    taskID,
			Level:     t.Level,
			Kind:      types.EventFail,
			Data:      map[string]interface{}{"reason": reason, "attempt_counted": false},
		})
		return nil
	})
}

// ScheduleRetry resets a FAILED task to PENDING, applying the exponential
// backoff `base * 2^(attempt-1)` capped at max (spec §4.2 retry bookkeeping).
func (f *Feature) ScheduleRetry(taskID string, base, max time.Duration) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("schedule_retry: unknown task %q", taskID)
		}
		backoff := computeBackoff(t.Attempt, base, max)
		next := time.Now().Add(backoff)
		t.Status = types.TaskPending
		t.NextEligible = &next
		t.WorkerID = nil
		t.ClaimedAt = nil
		f.root.appendEventLocked(f.feature, doc, types.ExecutionEvent{
			Timestamp: time.Now(),
			TaskID:    taskID,
			Level:     t.Level,
			Kind:      types.EventRetry,
			Data:      map[string]interface{}{"backoff_seconds": backoff.Seconds()},
		})
		return nil
	})
}

// computeBackoff implements `base * 2^(attempt-1)`, capped at max (spec §4.2).
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ReleaseTask transitions CLAIMED/IN_PROGRESS back to PENDING without
// touching the attempt counter (spec §4.2 release_task; used for
// infrastructure-class reclaims).
func (f *Feature) ReleaseTask(taskID string) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("release_task: unknown task %q", taskID)
		}
		if t.Status != types.TaskClaimed && t.Status != types.TaskInProgress {
			return nil
		}
		t.Status = types.TaskPending
		t.WorkerID = nil
		t.ClaimedAt = nil
		return nil
	})
}

// ResetTask forces taskID back to PENDING and zeroes its attempt count,
// regardless of current status — the `retry` command's contract (spec §6
// "resets matched tasks to PENDING and zeroes attempt count"), distinct from
// ScheduleRetry's backed-off requeue of a single FAILED task.
func (f *Feature) ResetTask(taskID string) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("reset_task: unknown task %q", taskID)
		}
		t.Status = types.TaskPending
		t.Attempt = 0
		t.WorkerID = nil
		t.ClaimedAt = nil
		t.NextEligible = nil
		t.Reason = ""
		f.root.appendEventLocked(f.feature, doc, types.ExecutionEvent{
			Timestamp: time.Now(),
			TaskID:    taskID,
			Level:     t.Level,
			Kind:      types.EventRetry,
			Data:      map[string]interface{}{"manual": true},
		})
		return nil
	})
}

// GetTasksByStatusAndLevel returns a filtered, deep-copied snapshot (spec
// §4.2). Pass level < 1 to match every level.
func (f *Feature) GetTasksByStatusAndLevel(status types.TaskStatus, level int) ([]*types.Task, error) {
	doc, err := f.root.readDocument(f.feature)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for id, t := range doc.Tasks {
		if t.Status == status && (level < 1 || t.Level == level) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, doc.Tasks[id])
	}
	return out, nil
}

// SetWorkerState persists a worker record (spec §4.2).
func (f *Feature) SetWorkerState(workerID int, worker *types.Worker) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		w := *worker
		w.ID = workerID
		doc.Workers[workerID] = &w
		return nil
	})
}

// RecordHeartbeat writes the worker's last-beat with a monotonic timestamp:
// a heartbeat older than the currently recorded one is ignored (spec §4.2,
// §5 "heartbeat writes are monotonic").
func (f *Feature) RecordHeartbeat(workerID int, taskID, step string, pct float64) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		w, ok := doc.Workers[workerID]
		if !ok {
			return fmt.Errorf("record_heartbeat: unknown worker %d", workerID)
		}
		now := time.Now()
		if now.Before(w.LastHeartbeat) {
			return nil // out-of-order heartbeat, ignored
		}
		w.LastHeartbeat = now
		w.TaskID = taskID
		return f.root.writeHeartbeatFile(f.feature, workerID, now, taskID, step, pct)
	})
}

func (r *Root) writeHeartbeatFile(feature string, workerID int, ts time.Time, taskID, step string, pct float64) error {
	payload := struct {
		WorkerID int       `json:"worker_id"`
		TaskID   string    `json:"task_id"`
		Step     string    `json:"step"`
		Percent  float64   `json:"percent"`
		At       time.Time `json:"at"`
	}{WorkerID: workerID, TaskID: taskID, Step: step, Percent: pct, At: ts}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return os.WriteFile(r.heartbeatPath(feature, workerID), data, 0o644)
}

// IsPaused consults the paused control flag (spec §4.2).
func (f *Feature) IsPaused() (bool, error) {
	doc, err := f.root.readDocument(f.feature)
	if err != nil {
		return false, err
	}
	return doc.Paused, nil
}

// IsCancelRequested consults the cancel_requested control flag (spec §4.2).
func (f *Feature) IsCancelRequested() (bool, error) {
	doc, err := f.root.readDocument(f.feature)
	if err != nil {
		return false, err
	}
	return doc.CancelRequested, nil
}

// SetPaused sets the paused control flag.
func (f *Feature) SetPaused(paused bool) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		doc.Paused = paused
		return nil
	})
}

// RequestCancel sets the cancel_requested control flag.
func (f *Feature) RequestCancel() error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		doc.CancelRequested = true
		return nil
	})
}

// AppendEvent appends to the bounded event log and the monitor.log stream
// (spec §4.2, §6).
func (f *Feature) AppendEvent(event types.ExecutionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		f.root.appendEventLocked(f.feature, doc, event)
		return nil
	})
}

// maxEventTail is the in-document event cap; beyond this the oldest events
// are dropped from the document (they still exist in monitor.log, and each
// dropped event is handed to the spill hook, if one is set).
const maxEventTail = 500

func (r *Root) appendEventLocked(feature string, doc *types.StateDocument, event types.ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := r.appendMonitorLog(feature, event); err != nil {
		log.WithFeature(feature).Warn().Err(err).Msg("append monitor log entry failed")
	}

	doc.Events = append(doc.Events, event)
	if len(doc.Events) <= maxEventTail {
		return
	}
	overflow := len(doc.Events) - maxEventTail
	if r.spill != nil {
		for _, dropped := range doc.Events[:overflow] {
			r.spill(feature, dropped)
		}
	}
	doc.Events = doc.Events[overflow:]
}

// SetLevelStatus persists a level's aggregate status.
func (f *Feature) SetLevelStatus(level int, status types.LevelStatus) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		l, ok := doc.Levels[level]
		if !ok {
			l = &types.Level{Number: level}
			doc.Levels[level] = l
		}
		l.Status = status
		return nil
	})
}

// SetLevelGateOutcomes records the merge coordinator's gate results for a level.
func (f *Feature) SetLevelGateOutcomes(level int, outcomes []types.GateOutcome, failureReason string) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		l, ok := doc.Levels[level]
		if !ok {
			l = &types.Level{Number: level}
			doc.Levels[level] = l
		}
		l.GateOutcomes = outcomes
		l.FailureReason = failureReason
		return nil
	})
}

// AdvanceCurrentLevel moves the document's current_level pointer forward.
func (f *Feature) AdvanceCurrentLevel(level int) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		doc.CurrentLevel = level
		return nil
	})
}

// SetTaskLevel recovers a task's level when the graph loader's schema pass
// left it unset, placing it into the matching Levels entry (spec §4.5.3 fix
// (c); reconciler-only operation, never used by the scheduler's hot path).
func (f *Feature) SetTaskLevel(taskID string, level int) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("set_task_level: unknown task %q", taskID)
		}
		t.Level = level
		if _, ok := doc.Levels[level]; !ok {
			doc.Levels[level] = &types.Level{Number: level, Status: types.LevelPending}
		}
		return nil
	})
}

// InitTasks seeds the store with a freshly validated graph's tasks. Only
// valid on first run for a feature (existing task state is left untouched).
func (f *Feature) InitTasks(tasks map[string]*types.Task) error {
	return f.root.withDocument(f.feature, func(doc *types.StateDocument) error {
		for id, t := range tasks {
			if _, exists := doc.Tasks[id]; exists {
				continue
			}
			clone := *t
			doc.Tasks[id] = &clone
			if _, ok := doc.Levels[t.Level]; !ok {
				doc.Levels[t.Level] = &types.Level{Number: t.Level, Status: types.LevelPending}
			}
		}
		return nil
	})
}

func cloneDocument(doc *types.StateDocument) *types.StateDocument {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var clone types.StateDocument
	if err := json.Unmarshal(data, &clone); err != nil {
		return doc
	}
	return &clone
}

func cloneTask(t *types.Task) *types.Task {
	clone := *t
	return &clone
}
