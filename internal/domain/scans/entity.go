package scans

import (
	"time"
)

// ID tipe untuk Scan
type ScanID string

// Status enum
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Level enum untuk log entries
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelDebug   Level = "debug"
)

// ScanRequest is the accepted inbound request. Immutable once accepted.
type ScanRequest struct {
	ID            ScanID    `json:"id"`
	UserID        string    `json:"user_id"`
	Target        string    `json:"target"`
	Prompt        string    `json:"prompt,omitempty"`
	AIModel       string    `json:"ai_model,omitempty"`
	ToolCandidate string    `json:"tool_candidate,omitempty"`
	Flags         []string  `json:"flags,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Aggregate Root: Scan. Mutated only through lifecycle transitions.
type Scan struct {
	ID              ScanID     `json:"id"`
	UserID          string     `json:"user_id"`
	Status          Status     `json:"status"`
	Tool            string     `json:"tool"`
	Target          string     `json:"target"`
	CommandExecuted string     `json:"command_executed,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	ExitCode        int        `json:"exit_code"`
	DurationMS      int64      `json:"duration_ms"`
	Truncated       bool       `json:"truncated"`
	ArtifactURL     string     `json:"artifact_url,omitempty"`
	Error           string     `json:"error,omitempty"`
	Metadata        any        `json:"metadata,omitempty"`
}

// ScanLogEntry is one durable, append-only log line for a scan.
// Timestamps are non-decreasing within a scan.
type ScanLogEntry struct {
	ID        int64     `json:"id"`
	ScanID    ScanID    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	RawOutput string    `json:"raw_output,omitempty"`
}

// ResourceLimits caps one sandbox.
type ResourceLimits struct {
	CPUs     string `json:"cpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
	Pids     int    `json:"pids,omitempty"`
}

// ContainerHandle exists only while the executor has an active sandbox
// for the scan. Destroyed on every exit path.
type ContainerHandle struct {
	ScanID         ScanID         `json:"scan_id"`
	ContainerID    string         `json:"container_id"`
	StartedAt      time.Time      `json:"started_at"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
}
