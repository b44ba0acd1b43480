// Package portalloc allocates ephemeral TCP ports for the container backend
// from the dynamic range [49152, 65535], proving bindability with an actual
// listen-then-close rather than trusting the OS's default ephemeral range
// (spec §4.3, §9 "global mutable state: port allocator holds an internal
// set and a lock").
//
// Grounded on the teacher's net.Listen-then-close probe used in
// pkg/api/server.go and pkg/ingress/proxy.go to confirm a port is free
// before handing it out.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

const (
	rangeLow  = 49152
	rangeHigh = 65535
)

// ErrExhausted is returned when no free port could be found in the range.
var ErrExhausted = errors.New("portalloc: no free port available in dynamic range")

// Allocator hands out ports from the dynamic range, bind-testing each
// candidate and tracking what it has already handed out so two concurrent
// callers never receive the same port.
type Allocator struct {
	mu      sync.Mutex
	held    map[int]bool
	nextTry int
}

// New returns an Allocator starting its scan at the bottom of the range.
func New() *Allocator {
	return &Allocator{held: make(map[int]bool), nextTry: rangeLow}
}

// Allocate binds a listener on a free port, closes it immediately, and
// records the port as held until Release is called.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := rangeHigh - rangeLow + 1
	for i := 0; i < span; i++ {
		port := rangeLow + (a.nextTry-rangeLow+i)%span
		if a.held[port] {
			continue
		}
		if probeBindable(port) {
			a.held[port] = true
			a.nextTry = port + 1
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees a previously allocated port for reuse.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

func probeBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
