package scans

import (
	"errors"
	"sync"
	"testing"

	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

func TestLifecycle_HappyPath(t *testing.T) {
	t.Parallel()
	l := NewLifecycle()
	if err := l.Begin("s1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.Transition("s1", StatusRunning); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if err := l.Transition("s1", StatusCompleted); err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	if st, _ := l.Status("s1"); st != StatusCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
}

func TestLifecycle_TerminalIsFinal(t *testing.T) {
	t.Parallel()
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		l := NewLifecycle()
		id := ScanID("s-" + string(terminal))
		if err := l.Begin(id); err != nil {
			t.Fatal(err)
		}
		if terminal != StatusCancelled {
			if err := l.Transition(id, StatusRunning); err != nil {
				t.Fatal(err)
			}
		}
		if err := l.Transition(id, terminal); err != nil {
			t.Fatal(err)
		}
		for _, to := range []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
			err := l.Transition(id, to)
			if !errors.Is(err, scanerr.ErrInvalidTransition) {
				t.Fatalf("%s -> %s: err = %v, want ErrInvalidTransition", terminal, to, err)
			}
			if st, _ := l.Status(id); st != terminal {
				t.Fatalf("status changed to %s after rejected transition", st)
			}
		}
	}
}

func TestLifecycle_QueuedCannotComplete(t *testing.T) {
	t.Parallel()
	l := NewLifecycle()
	_ = l.Begin("s1")
	if err := l.Transition("s1", StatusCompleted); !errors.Is(err, scanerr.ErrInvalidTransition) {
		t.Fatalf("queued->completed: err = %v, want ErrInvalidTransition", err)
	}
}

func TestLifecycle_UnknownScan(t *testing.T) {
	t.Parallel()
	l := NewLifecycle()
	if err := l.Transition("nope", StatusRunning); !errors.Is(err, scanerr.ErrScanNotFound) {
		t.Fatalf("err = %v, want ErrScanNotFound", err)
	}
}

// Only one of completed/failed may win when both race to finalize.
func TestLifecycle_FinalizeRace(t *testing.T) {
	t.Parallel()
	l := NewLifecycle()
	_ = l.Begin("s1")
	_ = l.Transition("s1", StatusRunning)

	const attempts = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := map[Status]int{}
	for i := 0; i < attempts; i++ {
		to := StatusCompleted
		if i%2 == 1 {
			to = StatusFailed
		}
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			if err := l.Transition("s1", to); err == nil {
				mu.Lock()
				wins[to]++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if wins[StatusCompleted]+wins[StatusFailed] != 1 {
		t.Fatalf("exactly one finalize must win, got %v", wins)
	}
}

func TestLifecycle_ForgetKeepsNonTerminal(t *testing.T) {
	t.Parallel()
	l := NewLifecycle()
	_ = l.Begin("s1")
	if l.Forget("s1") {
		t.Fatal("forgot a queued scan")
	}
	_ = l.Transition("s1", StatusCancelled)
	if !l.Forget("s1") {
		t.Fatal("could not forget a cancelled scan")
	}
}
