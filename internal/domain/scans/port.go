package scans

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	Save(ctx context.Context, s *Scan) error
	Get(ctx context.Context, id ScanID) (*Scan, error)
	Latest(ctx context.Context, userID string, limit int) ([]*Scan, error)
	UpdateStatus(ctx context.Context, id ScanID, status Status) error
	// CountActive returns the user's scans in a non-terminal state.
	CountActive(ctx context.Context, userID string) (int, error)
	// CountSince returns the user's scans created at or after the cutoff.
	CountSince(ctx context.Context, userID string, cutoff time.Time) (int, error)
}

// LogRepository port untuk append-only scan log entries.
type LogRepository interface {
	Append(ctx context.Context, e *ScanLogEntry) error
	// ListByScan returns entries ordered by timestamp. Empty level means
	// all levels.
	ListByScan(ctx context.Context, id ScanID, level Level, limit, offset int) ([]*ScanLogEntry, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ExecSpec tells the executor what to run inside the sandbox. Argv is
// consumed element-wise, never joined into a shell string.
type ExecSpec struct {
	Image   string
	Argv    []string
	Timeout time.Duration
}

// OutputChunk is one timestamped piece of interleaved stdout/stderr.
type OutputChunk struct {
	Time   time.Time
	Stream string // "stdout" | "stderr"
	Data   []byte
}

// ExecResult is the terminal result of one sandbox run. Output holds the
// captured bytes up to the executor's cap; Truncated marks the cut.
type ExecResult struct {
	ExitCode   int
	DurationMS int64
	Truncated  bool
	Output     []byte
}

// Execution is a handle on one live sandbox.
type Execution interface {
	// Output yields ordered chunks until the process exits.
	Output() <-chan OutputChunk
	// Wait blocks until exit and returns the result. Timeout surfaces as
	// *scanerr.TimeoutError.
	Wait(ctx context.Context) (ExecResult, error)
	// Kill terminates the process group and tears the sandbox down.
	Kill()
	// Container describes the live sandbox.
	Container() ContainerHandle
}

// Health is the executor health contract, queried before admitting scans.
type Health struct {
	DockerAvailable  bool `json:"dockerAvailable"`
	ImageAvailable   bool `json:"imageAvailable"`
	ActiveContainers int  `json:"activeContainers"`
}

// Executor port (interface untuk eksekusi sandbox)
type Executor interface {
	Health(ctx context.Context, image string) (Health, error)
	Launch(ctx context.Context, id ScanID, spec ExecSpec) (Execution, error)
}

// Publisher port: fans events out to live subscribers of a topic.
// Delivery is at-most-once and best-effort.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// AuditLog port: durable, ordered log entries per scan.
type AuditLog interface {
	Record(ctx context.Context, id ScanID, level Level, message, rawOutput string)
}
