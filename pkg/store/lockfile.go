package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// fileLock is the cross-process advisory lock described in spec §4.2: a
// sibling ".lock" file created with O_EXCL, broken if its holder looks dead
// (stale beyond staleLockAge). No third-party flock library appears anywhere
// in the example pack (see DESIGN.md), so this is a deliberate
// standard-library exception.
type fileLock struct {
	path string
}

const staleLockAge = 30 * time.Second

func newFileLock(statePath string) *fileLock {
	return &fileLock{path: statePath + ".lock"}
}

// acquire blocks (with a bounded number of short retries) until the lock
// file is created by this process, breaking a stale lock left by a process
// that crashed while holding it.
func (l *fileLock) acquire() (release func(), err error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().UnixNano())
			_ = f.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", l.path, err)
		}

		if l.breakIfStale() {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock %s", l.path)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// breakIfStale removes the lock file if its recorded acquisition time is
// older than staleLockAge, under the assumption its holder crashed without
// releasing it. Returns whether it removed a stale lock.
func (l *fileLock) breakIfStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return false
	}
	acquiredNanos, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil {
		return false
	}
	acquired := time.Unix(0, acquiredNanos)
	if time.Since(acquired) < staleLockAge {
		return false
	}
	return os.Remove(l.path) == nil
}
