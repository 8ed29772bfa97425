package scans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanwahyu/scanops/internal/domain/quota"
	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

//
// ==== fakes ====
//

type fakeRepo struct {
	mu    sync.Mutex
	scans map[domain.ScanID]*domain.Scan
}

func newFakeRepo() *fakeRepo { return &fakeRepo{scans: make(map[domain.ScanID]*domain.Scan)} }

func (f *fakeRepo) Save(_ context.Context, s *domain.Scan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.scans[s.ID] = &cp
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id domain.ScanID) (*domain.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scans[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRepo) Latest(_ context.Context, userID string, limit int) ([]*domain.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Scan
	for _, s := range f.scans {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, id domain.ScanID, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scans[id]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeRepo) CountActive(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.scans {
		if s.UserID == userID && !s.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) CountSince(_ context.Context, userID string, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.scans {
		if s.UserID == userID && !s.StartTime.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// slowCountRepo widens the window between the usage read and the save,
// so interleavings the admission path must tolerate happen every run.
type slowCountRepo struct {
	*fakeRepo
	delay time.Duration
}

func (f *slowCountRepo) CountSince(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	n, err := f.fakeRepo.CountSince(ctx, userID, cutoff)
	time.Sleep(f.delay)
	return n, err
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scans)
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []*domain.ScanLogEntry
}

func (f *fakeLogs) Append(_ context.Context, e *domain.ScanLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLogs) ListByScan(_ context.Context, id domain.ScanID, level domain.Level, limit, offset int) ([]*domain.ScanLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ScanLogEntry
	for _, e := range f.entries {
		if e.ScanID == id && (level == "" || e.Level == level) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogs) byScan(id domain.ScanID) []*domain.ScanLogEntry {
	out, _ := f.ListByScan(context.Background(), id, "", 0, 0)
	return out
}

// fakeAudit persists straight to fakeLogs, no clock games.
type fakeAudit struct {
	logs *fakeLogs
}

func (f *fakeAudit) Record(ctx context.Context, id domain.ScanID, level domain.Level, message, raw string) {
	_ = f.logs.Append(ctx, &domain.ScanLogEntry{ScanID: id, Timestamp: time.Now(), Level: level, Message: message, RawOutput: raw})
}

type publishedEvent struct {
	Topic string
	Type  string
}

type fakeHub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeHub) Publish(topic, eventType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Topic: topic, Type: eventType})
}

func (f *fakeHub) types(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.Topic == topic {
			out = append(out, e.Type)
		}
	}
	return out
}

// fakeExec scripts one execution per launch.
type fakeExec struct {
	mu       sync.Mutex
	healthy  bool
	script   fakeScript
	launched int32
}

type fakeScript struct {
	chunks   []string
	exitCode int
	err      error
	block    bool // hold the execution until killed
}

func (f *fakeExec) Health(context.Context, string) (domain.Health, error) {
	if !f.healthy {
		return domain.Health{}, fmt.Errorf("%w: docker runtime not reachable", scanerr.ErrEnvironment)
	}
	return domain.Health{DockerAvailable: true, ImageAvailable: true}, nil
}

func (f *fakeExec) Launch(_ context.Context, id domain.ScanID, spec domain.ExecSpec) (domain.Execution, error) {
	atomic.AddInt32(&f.launched, 1)
	f.mu.Lock()
	script := f.script
	f.mu.Unlock()

	e := &fakeExecution{
		id:     id,
		chunks: make(chan domain.OutputChunk, 64),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	go func() {
		var captured []byte
		for _, c := range script.chunks {
			captured = append(captured, c...)
			e.chunks <- domain.OutputChunk{Time: time.Now(), Stream: "stdout", Data: []byte(c)}
		}
		if script.block {
			<-e.killed
			e.result = domain.ExecResult{ExitCode: -1, Output: captured}
			e.err = script.err
		} else {
			e.result = domain.ExecResult{ExitCode: script.exitCode, DurationMS: 5, Output: captured}
			e.err = script.err
		}
		close(e.chunks)
		close(e.done)
	}()
	return e, nil
}

type fakeExecution struct {
	id       domain.ScanID
	chunks   chan domain.OutputChunk
	done     chan struct{}
	killed   chan struct{}
	killOnce sync.Once
	result   domain.ExecResult
	err      error
}

func (e *fakeExecution) Output() <-chan domain.OutputChunk { return e.chunks }
func (e *fakeExecution) Wait(context.Context) (domain.ExecResult, error) {
	<-e.done
	return e.result, e.err
}
func (e *fakeExecution) Kill() { e.killOnce.Do(func() { close(e.killed) }) }
func (e *fakeExecution) Container() domain.ContainerHandle {
	return domain.ContainerHandle{ScanID: e.id, ContainerID: "scanops-" + string(e.id)}
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

//
// ==== harness ====
//

type harness struct {
	svc  *Service
	repo *fakeRepo
	logs *fakeLogs
	hub  *fakeHub
	exec *fakeExec
	gate *quota.Gate
}

func newHarness(script fakeScript) *harness {
	repo := newFakeRepo()
	logs := &fakeLogs{}
	hub := &fakeHub{}
	exec := &fakeExec{healthy: true, script: script}
	gate := quota.NewGate(map[string]quota.RoleQuota{
		"free":  {ScansPerMonth: 10, ConcurrentScans: 1, AIRequestsPerMonth: 20, ReportExports: 3},
		"pro":   {ScansPerMonth: 200, ConcurrentScans: 3, AIRequestsPerMonth: 500, ReportExports: 50},
		"admin": {ScansPerMonth: quota.Unlimited, ConcurrentScans: quota.Unlimited, AIRequestsPerMonth: quota.Unlimited, ReportExports: quota.Unlimited},
	})
	svc := &Service{
		Repo:      repo,
		Logs:      logs,
		Audit:     &fakeAudit{logs: logs},
		Exec:      exec,
		Hub:       hub,
		Gate:      gate,
		Lifecycle: domain.NewLifecycle(),
		Clock:     fixedClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	return &harness{svc: svc, repo: repo, logs: logs, hub: hub, exec: exec, gate: gate}
}

func (h *harness) waitTerminal(t *testing.T, id domain.ScanID) *domain.Scan {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		scan, _ := h.repo.Get(context.Background(), id)
		if scan != nil && scan.Status.Terminal() {
			return scan
		}
		select {
		case <-deadline:
			st := domain.Status("missing")
			if scan != nil {
				st = scan.Status
			}
			t.Fatalf("scan %s never reached terminal state (now %s)", id, st)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

//
// ==== tests ====
//

// Scenario: free user, clean target, nmap with allowed flags. The scan
// must complete, leave log entries behind, and record the sanitized
// argv rather than the raw input.
func TestCreate_CompletesAndAudits(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{chunks: []string{"PORT STATE\n", "443/tcp open\n"}, exitCode: 0})

	id, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free",
		Target: "example.com", Tool: "nmap", Flags: []string{"-p", "443"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	scan := h.waitTerminal(t, id)
	if scan.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", scan.Status, scan.Error)
	}
	if !strings.Contains(scan.CommandExecuted, "-p 443") || strings.Contains(scan.CommandExecuted, ";") {
		t.Fatalf("commandExecuted = %q, want sanitized argv", scan.CommandExecuted)
	}
	if entries := h.logs.byScan(id); len(entries) == 0 {
		t.Fatal("no scan log entries recorded")
	}
	types := h.hub.types(domain.TopicScan(id))
	if len(types) == 0 || types[len(types)-1] != domain.EventScanComplete {
		t.Fatalf("scan topic events = %v, want trailing scan_complete", types)
	}
	if notif := h.hub.types(domain.TopicNotifications("u1")); len(notif) != 1 {
		t.Fatalf("notifications = %v, want one", notif)
	}
	if h.gate.Active("u1") != 0 {
		t.Fatal("concurrency slot not released")
	}
}

// Scenario: injection attempt in the target. Rejected synchronously and
// nothing gets created or launched.
func TestCreate_RejectsInjectionWithoutSideEffects(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{})

	_, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free",
		Target: "example.com; rm -rf /", Tool: "nmap",
	})
	if !errors.Is(err, scanerr.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if h.repo.count() != 0 {
		t.Fatal("scan record created for rejected request")
	}
	if atomic.LoadInt32(&h.exec.launched) != 0 {
		t.Fatal("sandbox launched for rejected request")
	}
	if h.gate.Active("u1") != 0 {
		t.Fatal("slot leaked on rejected request")
	}
}

// Scenario: user already at the monthly scan limit.
func TestCreate_MonthlyQuotaExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{})
	now := h.svc.Clock.Now()
	for i := 0; i < 10; i++ {
		_ = h.repo.Save(context.Background(), &domain.Scan{
			ID: domain.ScanID(fmt.Sprintf("old-%d", i)), UserID: "u1",
			Status: domain.StatusCompleted, StartTime: now.Add(-time.Hour),
		})
	}

	_, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free", Target: "example.com", Tool: "nmap",
	})
	if !errors.Is(err, scanerr.ErrAuthorization) {
		t.Fatalf("err = %v, want authorization error", err)
	}
	if atomic.LoadInt32(&h.exec.launched) != 0 {
		t.Fatal("sandbox launched despite quota rejection")
	}
}

// With concurrentScans = 1, concurrent submissions admit exactly one.
func TestCreate_ConcurrencyCeilingUnderRace(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{block: true})

	const attempts = 12
	var admitted atomic.Int32
	var denied atomic.Int32
	var ids sync.Map
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.svc.Create(context.Background(), CreateCommand{
				UserID: "u1", Role: "free", Target: "example.com", Tool: "nmap",
			})
			if err == nil {
				admitted.Add(1)
				ids.Store(id, true)
				return
			}
			if errors.Is(err, scanerr.ErrAuthorization) {
				denied.Add(1)
			} else {
				t.Errorf("unexpected error class: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 || denied.Load() != attempts-1 {
		t.Fatalf("admitted = %d denied = %d, want 1 / %d", admitted.Load(), denied.Load(), attempts-1)
	}

	// Unblock and drain so the admitted scan terminates cleanly.
	ids.Range(func(k, _ any) bool {
		_ = h.svc.Cancel(context.Background(), k.(domain.ScanID))
		h.waitTerminal(t, k.(domain.ScanID))
		return true
	})
}

// With one monthly slot left and concurrency to spare, concurrent
// submissions still admit exactly one: the recount and the save are
// serialized per user, so both callers cannot act on the same stale
// usage figure.
func TestCreate_MonthlyQuotaUnderRace(t *testing.T) {
	t.Parallel()
	repo := &slowCountRepo{fakeRepo: newFakeRepo(), delay: 20 * time.Millisecond}
	logs := &fakeLogs{}
	hub := &fakeHub{}
	exec := &fakeExec{healthy: true, script: fakeScript{exitCode: 0}}
	gate := quota.NewGate(map[string]quota.RoleQuota{
		"team": {ScansPerMonth: 10, ConcurrentScans: 4, AIRequestsPerMonth: 20, ReportExports: 3},
	})
	svc := &Service{
		Repo:      repo,
		Logs:      logs,
		Audit:     &fakeAudit{logs: logs},
		Exec:      exec,
		Hub:       hub,
		Gate:      gate,
		Lifecycle: domain.NewLifecycle(),
		Clock:     fixedClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	h := &harness{svc: svc, repo: repo.fakeRepo, logs: logs, hub: hub, exec: exec, gate: gate}

	now := svc.Clock.Now()
	for i := 0; i < 9; i++ {
		_ = repo.Save(context.Background(), &domain.Scan{
			ID: domain.ScanID(fmt.Sprintf("old-%d", i)), UserID: "u1",
			Status: domain.StatusCompleted, StartTime: now.Add(-time.Hour),
		})
	}

	const attempts = 4
	var admitted atomic.Int32
	var denied atomic.Int32
	var ids sync.Map
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := svc.Create(context.Background(), CreateCommand{
				UserID: "u1", Role: "team", Target: "example.com", Tool: "nmap",
			})
			if err == nil {
				admitted.Add(1)
				ids.Store(id, true)
				return
			}
			if errors.Is(err, scanerr.ErrAuthorization) {
				denied.Add(1)
			} else {
				t.Errorf("unexpected error class: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 || denied.Load() != attempts-1 {
		t.Fatalf("admitted = %d denied = %d, want 1 / %d", admitted.Load(), denied.Load(), attempts-1)
	}
	ids.Range(func(k, _ any) bool {
		h.waitTerminal(t, k.(domain.ScanID))
		return true
	})
}

// Usage reads the live figure from the repository, not the in-process
// gate, so it stays truthful across restarts.
func TestUsage_CountsFromRepository(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{})
	now := h.svc.Clock.Now()
	_ = h.repo.Save(context.Background(), &domain.Scan{
		ID: "s-run", UserID: "u1", Status: domain.StatusRunning, StartTime: now.Add(-time.Minute),
	})
	_ = h.repo.Save(context.Background(), &domain.Scan{
		ID: "s-done", UserID: "u1", Status: domain.StatusCompleted, StartTime: now.Add(-time.Hour),
	})

	sum, err := h.svc.Usage(context.Background(), "u1", "free")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if sum.ScansUsed != 2 || sum.ScansRemaining != 8 {
		t.Fatalf("used = %d remaining = %d, want 2 / 8", sum.ScansUsed, sum.ScansRemaining)
	}
	if sum.ActiveScans != 1 {
		t.Fatalf("active = %d, want 1", sum.ActiveScans)
	}
}

// A sandbox that exceeds its wall clock fails with the timeout reason.
func TestRun_TimeoutBecomesFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{
		chunks:   []string{"partial output\n"},
		exitCode: -1,
		err:      &scanerr.TimeoutError{Limit: 2 * time.Second},
	})

	id, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free", Target: "example.com", Tool: "nmap",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	scan := h.waitTerminal(t, id)
	if scan.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", scan.Status)
	}
	if !strings.Contains(scan.Error, "timed out") {
		t.Fatalf("error = %q, want timeout reason", scan.Error)
	}
	types := h.hub.types(domain.TopicScan(id))
	if len(types) == 0 || types[len(types)-1] != domain.EventScanError {
		t.Fatalf("events = %v, want trailing scan_error", types)
	}
}

// Non-zero exit outside the tool's success codes fails the scan.
func TestRun_AbnormalExitBecomesFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{exitCode: 2})

	id, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free", Target: "example.com", Tool: "nmap",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	scan := h.waitTerminal(t, id)
	if scan.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", scan.Status)
	}
}

// Cancelling a running scan finalizes it as cancelled, not failed.
func TestCancel_RunningScan(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{block: true})

	id, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free", Target: "example.com", Tool: "nmap",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wait for the sandbox to be live before cancelling.
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&h.exec.launched) == 0 {
		select {
		case <-deadline:
			t.Fatal("sandbox never launched")
		case <-time.After(2 * time.Millisecond):
		}
	}

	if err := h.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	scan := h.waitTerminal(t, id)
	if scan.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", scan.Status)
	}

	// Second cancel hits a terminal scan.
	err = h.svc.Cancel(context.Background(), id)
	if !errors.Is(err, scanerr.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want ErrInvalidTransition", err)
	}
}

// Environment down: rejected before any resource allocation.
func TestCreate_EnvironmentUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{})
	h.exec.healthy = false

	_, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free", Target: "example.com", Tool: "nmap",
	})
	if !errors.Is(err, scanerr.ErrEnvironment) {
		t.Fatalf("err = %v, want environment error", err)
	}
	if h.repo.count() != 0 {
		t.Fatal("scan persisted despite environment failure")
	}
}

// Unknown tool from any source is rejected, no scan record.
func TestCreate_UnsupportedTool(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{})
	_, err := h.svc.Create(context.Background(), CreateCommand{
		UserID: "u1", Role: "free", Target: "example.com", Tool: "hydra",
	})
	if !errors.Is(err, scanerr.ErrUnsupportedTool) {
		t.Fatalf("err = %v, want ErrUnsupportedTool", err)
	}
	if h.repo.count() != 0 {
		t.Fatal("scan record created")
	}
}

func TestScanLogs_LevelFilterAndBounds(t *testing.T) {
	t.Parallel()
	h := newHarness(fakeScript{})
	for i, lvl := range []domain.Level{domain.LevelInfo, domain.LevelError, domain.LevelInfo} {
		_ = h.logs.Append(context.Background(), &domain.ScanLogEntry{
			ID: int64(i), ScanID: "s1", Level: lvl, Message: "m", Timestamp: time.Now(),
		})
	}
	entries, err := h.svc.ScanLogs(context.Background(), "s1", domain.LevelError, -5, -1)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Level != domain.LevelError {
		t.Fatalf("entries = %v, want single error entry", entries)
	}
}
