package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bryanwahyu/scanops/internal/application"
	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

// Recorder appends durable, ordered log entries per scan and fans each
// entry out to live subscribers of the scan topic. Timestamps within a
// scan are forced non-decreasing even if the wall clock steps back.
type Recorder struct {
	Logs  domain.LogRepository
	Hub   domain.Publisher
	Clock application.Clock

	mu   sync.Mutex
	last map[domain.ScanID]time.Time
}

func NewRecorder(logs domain.LogRepository, hub domain.Publisher, clock application.Clock) *Recorder {
	return &Recorder{
		Logs:  logs,
		Hub:   hub,
		Clock: clock,
		last:  make(map[domain.ScanID]time.Time),
	}
}

// Record persists one entry and publishes it as scan_progress. Persist
// failures are logged, never propagated: losing a live event must not
// break the scan.
func (r *Recorder) Record(ctx context.Context, id domain.ScanID, level domain.Level, message, rawOutput string) {
	entry := &domain.ScanLogEntry{
		ScanID:    id,
		Timestamp: r.stamp(id),
		Level:     level,
		Message:   message,
		RawOutput: rawOutput,
	}

	if err := r.Logs.Append(ctx, entry); err != nil {
		log.Printf("audit append error scan=%s: %v", id, err)
	}
	if r.Hub != nil {
		r.Hub.Publish(domain.TopicScan(id), domain.EventScanProgress, entry)
	}
}

// Drop releases per-scan ordering state once a scan is terminal.
func (r *Recorder) Drop(id domain.ScanID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, id)
}

// stamp returns a per-scan monotonic timestamp: clock reads that go
// backwards are clamped to last+1ns.
func (r *Recorder) stamp(id domain.ScanID) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.Clock.Now()
	if last, ok := r.last[id]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	r.last[id] = ts
	return ts
}
