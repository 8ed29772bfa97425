package scans

import (
	"fmt"
	"sync"

	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

// allowed transitions; terminal states have no outgoing edges.
var allowed = map[Status]map[Status]bool{
	// queued -> failed covers executor errors raised before the sandbox
	// ever acknowledged a start.
	StatusQueued:  {StatusRunning: true, StatusCancelled: true, StatusFailed: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
}

// Lifecycle serializes status transitions per scan ID (single-writer
// discipline), so a timeout and a normal exit can never both finalize
// the same scan.
type Lifecycle struct {
	mu     sync.Mutex
	states map[ScanID]*scanState
}

type scanState struct {
	mu     sync.Mutex
	status Status
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{states: make(map[ScanID]*scanState)}
}

// Begin registers a new scan in queued state.
func (l *Lifecycle) Begin(id ScanID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.states[id]; ok {
		return fmt.Errorf("scan %s already tracked", id)
	}
	l.states[id] = &scanState{status: StatusQueued}
	return nil
}

// Transition moves the scan to the requested status if the edge exists.
// Attempts out of a terminal state are no-ops reported as
// scanerr.ErrInvalidTransition; the terminal status is preserved.
func (l *Lifecycle) Transition(id ScanID, to Status) error {
	l.mu.Lock()
	st, ok := l.states[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", scanerr.ErrScanNotFound, id)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !allowed[st.status][to] {
		return fmt.Errorf("%w: %s -> %s for scan %s", scanerr.ErrInvalidTransition, st.status, to, id)
	}
	st.status = to
	return nil
}

// Status returns the tracked status, if any.
func (l *Lifecycle) Status(id ScanID) (Status, bool) {
	l.mu.Lock()
	st, ok := l.states[id]
	l.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

// Forget drops a terminal scan from the tracker. Non-terminal scans are
// kept, returning false, so an in-flight scan can never lose its writer.
func (l *Lifecycle) Forget(id ScanID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[id]
	if !ok {
		return true
	}
	st.mu.Lock()
	terminal := st.status.Terminal()
	st.mu.Unlock()
	if !terminal {
		return false
	}
	delete(l.states, id)
	return true
}

// ActiveCount returns how many tracked scans are non-terminal.
func (l *Lifecycle) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.states {
		st.mu.Lock()
		if !st.status.Terminal() {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
