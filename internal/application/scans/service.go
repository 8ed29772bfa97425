package scans

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/scanops/internal/application"
	appai "github.com/bryanwahyu/scanops/internal/application/ai"
	"github.com/bryanwahyu/scanops/internal/domain/command"
	"github.com/bryanwahyu/scanops/internal/domain/quota"
	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

// Service implements the scan orchestration use-cases. It is safe for
// concurrent use; every lifecycle transition goes through the Lifecycle
// tracker's single-writer discipline.
type Service struct {
	Repo      domain.Repository
	Logs      domain.LogRepository
	Audit     domain.AuditLog
	Exec      domain.Executor
	Hub       domain.Publisher
	Gate      *quota.Gate
	Lifecycle *domain.Lifecycle
	Artifacts domain.ArtifactStore
	Oracle    *appai.Service
	Clock     application.Clock

	mu        sync.Mutex
	live      map[domain.ScanID]domain.Execution
	cancelled map[domain.ScanID]bool
	stops     map[domain.ScanID]context.CancelFunc
	admits    map[string]*sync.Mutex
}

// CreateCommand is the accepted inbound request for one scan.
type CreateCommand struct {
	UserID   string
	Role     string
	Target   string
	Prompt   string
	Tool     string // optional hint; empty means ask the oracle
	Flags    []string
	Metadata any
}

// Create admits, routes and queues one scan, returning its ID. All
// admission errors come back synchronously; execution errors surface
// later through scan_error events and the durable log.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (domain.ScanID, error) {
	if cmd.Target == "" {
		return "", fmt.Errorf("%w: target is required", scanerr.ErrValidation)
	}

	// Monthly quota first: rejected requests must allocate nothing.
	// This read is advisory; admission re-checks it under the per-user
	// lock so concurrent creates cannot both slip past the limit.
	monthStart := monthStartOf(s.Clock.Now())
	used, err := s.Repo.CountSince(ctx, cmd.UserID, monthStart)
	if err != nil {
		return "", err
	}
	if d := s.Gate.CanPerformAction(cmd.Role, quota.ActionScan, used); !d.Allowed {
		return "", fmt.Errorf("%w: %s", scanerr.ErrAuthorization, d.Reason)
	}

	// Resolve the tool, asking the oracle when the caller gave no hint.
	tool, flags := cmd.Tool, cmd.Flags
	if tool == "" {
		if s.Oracle == nil {
			return "", fmt.Errorf("%w: no tool given and no oracle configured", scanerr.ErrValidation)
		}
		rec, err := s.Oracle.Recommend(ctx, cmd.UserID, cmd.Role, cmd.Prompt, cmd.Target)
		if err != nil {
			return "", err
		}
		tool, flags = rec.Tool, rec.Flags
	}

	// The oracle is untrusted: recommendations and caller input go
	// through the same allow-list routing.
	routed, err := command.Route(tool, cmd.Target, flags)
	if err != nil {
		return "", err
	}

	// Fail fast before reserving anything if the environment is down.
	if _, err := s.Exec.Health(ctx, routed.Image); err != nil {
		return "", err
	}

	scan, err := s.admit(ctx, cmd, routed, monthStart)
	if err != nil {
		return "", err
	}
	id := scan.ID

	s.Audit.Record(ctx, id, domain.LevelInfo,
		fmt.Sprintf("scan queued: %s", routed.Display()), "")

	// Run until done regardless of the request context.
	runCtx, stop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ensureMaps()
	s.stops[id] = stop
	s.mu.Unlock()
	go s.run(runCtx, scan, routed)

	return id, nil
}

// admit performs the check-then-admit step for one scan. The per-user
// lock serializes the monthly recount, the concurrency reservation and
// the persisted row, so two concurrent creates for the same user can
// never both pass with one slot left.
func (s *Service) admit(ctx context.Context, cmd CreateCommand, routed command.Command, monthStart time.Time) (*domain.Scan, error) {
	mu := s.userLock(cmd.UserID)
	mu.Lock()
	defer mu.Unlock()

	used, err := s.Repo.CountSince(ctx, cmd.UserID, monthStart)
	if err != nil {
		return nil, err
	}
	if d := s.Gate.CanPerformAction(cmd.Role, quota.ActionScan, used); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", scanerr.ErrAuthorization, d.Reason)
	}
	if err := s.Gate.Admit(cmd.UserID, cmd.Role); err != nil {
		return nil, err
	}

	id := domain.ScanID(fmt.Sprintf("%s-%s", uuid.New().String(), routed.Tool))
	scan := &domain.Scan{
		ID:              id,
		UserID:          cmd.UserID,
		Status:          domain.StatusQueued,
		Tool:            routed.Tool,
		Target:          routed.Target,
		CommandExecuted: routed.Display(),
		StartTime:       s.Clock.Now(),
		Metadata:        cmd.Metadata,
	}
	if err := s.Lifecycle.Begin(id); err != nil {
		s.Gate.Release(cmd.UserID)
		return nil, err
	}
	if err := s.Repo.Save(ctx, scan); err != nil {
		s.Gate.Release(cmd.UserID)
		s.forget(id)
		return nil, err
	}
	return scan, nil
}

// run drives one scan from queued to a terminal state.
func (s *Service) run(ctx context.Context, scan *domain.Scan, routed command.Command) {
	defer s.Gate.Release(scan.UserID)
	id := scan.ID

	if s.wasCancelled(id) {
		s.finalize(context.Background(), scan, domain.StatusCancelled, "cancelled before start", nil)
		return
	}

	exec, err := s.Exec.Launch(ctx, id, domain.ExecSpec{
		Image:   routed.Image,
		Argv:    routed.Argv,
		Timeout: routed.Timeout,
	})
	if err != nil {
		if s.wasCancelled(id) {
			s.finalize(context.Background(), scan, domain.StatusCancelled, "cancelled while queued", nil)
		} else {
			s.finalize(context.Background(), scan, domain.StatusFailed, err.Error(), nil)
		}
		return
	}

	s.mu.Lock()
	s.ensureMaps()
	s.live[id] = exec
	raced := s.cancelled[id]
	s.mu.Unlock()
	if raced {
		// Cancel raced the launch; stop the sandbox straight away.
		exec.Kill()
	}

	if err := s.Lifecycle.Transition(id, domain.StatusRunning); err != nil {
		exec.Kill()
		_, _ = exec.Wait(context.Background())
		s.finalize(context.Background(), scan, domain.StatusCancelled, "cancelled while queued", nil)
		return
	}
	scan.Status = domain.StatusRunning
	scan.StartTime = s.Clock.Now()
	_ = s.Repo.UpdateStatus(context.Background(), id, domain.StatusRunning)

	handle := exec.Container()
	s.Audit.Record(ctx, id, domain.LevelInfo,
		fmt.Sprintf("sandbox started: %s", handle.ContainerID), "")
	s.Hub.Publish(domain.TopicContainer(handle.ContainerID), domain.EventContainerStatus,
		map[string]any{"scan_id": id, "status": "started"})

	// Pump chunks into the durable log and the live stream. Chunk order
	// is the executor's interleaved order; the audit recorder keeps the
	// timestamps monotonic.
	for chunk := range exec.Output() {
		s.Audit.Record(ctx, id, domain.LevelInfo, chunk.Stream, string(chunk.Data))
	}

	res, execErr := exec.Wait(context.Background())
	s.Hub.Publish(domain.TopicContainer(handle.ContainerID), domain.EventContainerStatus,
		map[string]any{"scan_id": id, "status": "removed"})

	scan.ExitCode = res.ExitCode
	scan.DurationMS = res.DurationMS
	scan.Truncated = res.Truncated
	s.archive(context.Background(), scan, res.Output)

	switch {
	case s.wasCancelled(id):
		s.finalize(context.Background(), scan, domain.StatusCancelled, "cancelled by user", &res)
	case execErr != nil:
		s.finalize(context.Background(), scan, domain.StatusFailed, execErr.Error(), &res)
	case routed.Success(res.ExitCode):
		s.finalize(context.Background(), scan, domain.StatusCompleted, "", &res)
	default:
		s.finalize(context.Background(), scan, domain.StatusFailed,
			fmt.Sprintf("tool exited with status %d", res.ExitCode), &res)
	}
}

// Cancel requests cooperative cancellation. Queued scans cancel
// immediately; running scans get their sandbox killed and finalize in
// the run goroutine. Terminal scans report InvalidTransitionError.
func (s *Service) Cancel(ctx context.Context, id domain.ScanID) error {
	status, tracked := s.Lifecycle.Status(id)
	if !tracked {
		scan, err := s.Repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if scan == nil {
			return fmt.Errorf("%w: %s", scanerr.ErrScanNotFound, id)
		}
		return fmt.Errorf("%w: scan %s is already %s", scanerr.ErrInvalidTransition, id, scan.Status)
	}
	if status.Terminal() {
		return fmt.Errorf("%w: scan %s is already %s", scanerr.ErrInvalidTransition, id, status)
	}

	s.mu.Lock()
	s.ensureMaps()
	s.cancelled[id] = true
	exec := s.live[id]
	stop := s.stops[id]
	s.mu.Unlock()

	s.Audit.Record(ctx, id, domain.LevelWarning, "cancellation requested", "")
	if stop != nil {
		stop()
	}
	if exec != nil {
		exec.Kill()
	}
	return nil
}

// ScanLogs returns the durable history for a scan, oldest-first.
func (s *Service) ScanLogs(ctx context.Context, id domain.ScanID, level domain.Level, limit, offset int) ([]*domain.ScanLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return s.Logs.ListByScan(ctx, id, level, limit, offset)
}

// Get returns one scan by ID.
func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Get(ctx, id)
}

// Latest returns the user's most recent scans.
func (s *Service) Latest(ctx context.Context, userID string, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.Repo.Latest(ctx, userID, limit)
}

// UsageSummary reports the user's quota consumption for this month.
type UsageSummary struct {
	ScansUsed      int     `json:"scans_used"`
	ScansRemaining int     `json:"scans_remaining"`
	ScansPercent   float64 `json:"scans_percent"`
	ActiveScans    int     `json:"active_scans"`
	AIRequestsUsed int     `json:"ai_requests_used"`
}

// Usage returns the user's current quota consumption.
func (s *Service) Usage(ctx context.Context, userID, role string) (UsageSummary, error) {
	used, err := s.Repo.CountSince(ctx, userID, monthStartOf(s.Clock.Now()))
	if err != nil {
		return UsageSummary{}, err
	}
	// Active scans come from the repository so the figure survives
	// restarts instead of reflecting this process's gate alone.
	active, err := s.Repo.CountActive(ctx, userID)
	if err != nil {
		return UsageSummary{}, err
	}
	sum := UsageSummary{
		ScansUsed:      used,
		ScansRemaining: s.Gate.RemainingUsage(role, quota.ActionScan, used),
		ScansPercent:   s.Gate.UsagePercentage(role, quota.ActionScan, used),
		ActiveScans:    active,
	}
	if s.Oracle != nil {
		sum.AIRequestsUsed = s.Oracle.Usage(userID)
	}
	return sum, nil
}

// finalize applies the terminal transition, persists, audits and
// publishes the closing events. Exactly one finalize wins per scan.
func (s *Service) finalize(ctx context.Context, scan *domain.Scan, to domain.Status, reason string, res *domain.ExecResult) {
	id := scan.ID
	if err := s.Lifecycle.Transition(id, to); err != nil {
		// Someone else finalized first; keep their verdict.
		if !errors.Is(err, scanerr.ErrInvalidTransition) {
			log.Printf("finalize transition error scan=%s: %v", id, err)
		}
		return
	}

	now := s.Clock.Now()
	scan.Status = to
	scan.EndTime = &now
	scan.Error = reason
	if err := s.Repo.Save(ctx, scan); err != nil {
		log.Printf("finalize save error scan=%s: %v", id, err)
	}

	switch to {
	case domain.StatusFailed:
		s.Audit.Record(ctx, id, domain.LevelError, "scan failed: "+reason, "")
		s.Hub.Publish(domain.TopicScan(id), domain.EventScanError,
			map[string]any{"scan_id": id, "error": reason})
	case domain.StatusCancelled:
		s.Audit.Record(ctx, id, domain.LevelWarning, "scan cancelled", "")
		s.Hub.Publish(domain.TopicScan(id), domain.EventScanComplete, scan)
	default:
		s.Audit.Record(ctx, id, domain.LevelInfo, "scan completed", "")
		s.Hub.Publish(domain.TopicScan(id), domain.EventScanComplete, scan)
	}
	s.Hub.Publish(domain.TopicNotifications(scan.UserID), domain.EventNotification,
		map[string]any{"scan_id": id, "status": to})

	if a, ok := s.Audit.(interface{ Drop(domain.ScanID) }); ok {
		a.Drop(id)
	}
	s.forget(id)
}

// archive uploads the captured output so raw history survives any log
// retention policy.
func (s *Service) archive(ctx context.Context, scan *domain.Scan, output []byte) {
	if s.Artifacts == nil || len(output) == 0 {
		return
	}
	key := fmt.Sprintf("%s/%s/%s.log", scan.UserID, scan.Tool, scan.ID)
	url, err := s.Artifacts.UploadBytes(ctx, key, output, "text/plain; charset=utf-8")
	if err != nil {
		log.Printf("artifact upload error scan=%s: %v", scan.ID, err)
		return
	}
	scan.ArtifactURL = url
}

func (s *Service) wasCancelled(id domain.ScanID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps()
	return s.cancelled[id]
}

// forget drops all in-memory tracking for a terminal scan.
func (s *Service) forget(id domain.ScanID) {
	s.mu.Lock()
	s.ensureMaps()
	delete(s.live, id)
	delete(s.cancelled, id)
	if stop, ok := s.stops[id]; ok {
		stop()
		delete(s.stops, id)
	}
	s.mu.Unlock()
	s.Lifecycle.Forget(id)
}

// ensureMaps lazily initializes tracking maps so the zero Service works
// like the rest of the application services. Callers hold s.mu.
func (s *Service) ensureMaps() {
	if s.live == nil {
		s.live = make(map[domain.ScanID]domain.Execution)
		s.cancelled = make(map[domain.ScanID]bool)
		s.stops = make(map[domain.ScanID]context.CancelFunc)
		s.admits = make(map[string]*sync.Mutex)
	}
}

// userLock returns the per-user admission lock, creating it on first use.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps()
	mu, ok := s.admits[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.admits[userID] = mu
	}
	return mu
}

func monthStartOf(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
