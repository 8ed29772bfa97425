package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

type ScanRepository struct{ db *sql.DB }

func NewScanRepository(db *sql.DB) *ScanRepository { return &ScanRepository{db: db} }

// Save insert/update Scan record
func (r *ScanRepository) Save(ctx context.Context, s *domain.Scan) error {
	const q = `
INSERT INTO scans
(id, user_id, status, tool, target, command_executed,
 start_time, end_time, exit_code, duration_ms, truncated,
 artifact_url, error, metadata)
VALUES ($1,$2,$3,$4,$5,$6,
        $7,$8,$9,$10,$11,
        $12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
 status = EXCLUDED.status,
 end_time = EXCLUDED.end_time,
 exit_code = EXCLUDED.exit_code,
 duration_ms = EXCLUDED.duration_ms,
 truncated = EXCLUDED.truncated,
 artifact_url = EXCLUDED.artifact_url,
 error = EXCLUDED.error;`

	start := s.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, q,
		s.ID, stringOrDash(s.UserID), stringOrDash(string(s.Status)),
		s.Tool, s.Target, s.CommandExecuted,
		start, nullTime(s.EndTime), s.ExitCode, s.DurationMS, s.Truncated,
		s.ArtifactURL, s.Error, meta,
	)
	return err
}

// Get by ID
func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	const q = `
SELECT id, user_id, status, tool, target, command_executed,
       start_time, end_time, exit_code, duration_ms, truncated,
       artifact_url, error, metadata
FROM scans
WHERE id=$1 LIMIT 1;`
	s, err := scanRow(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// Latest scans per user
func (r *ScanRepository) Latest(ctx context.Context, userID string, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, user_id, status, tool, target, command_executed,
       start_time, end_time, exit_code, duration_ms, truncated,
       artifact_url, error, metadata
FROM scans
WHERE user_id=$1 ORDER BY start_time DESC, id DESC LIMIT $2;`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Scan
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ScanRepository) UpdateStatus(ctx context.Context, id domain.ScanID, status domain.Status) error {
	const q = `UPDATE scans SET status=$1 WHERE id=$2;`
	_, err := r.db.ExecContext(ctx, q, status, id)
	return err
}

func (r *ScanRepository) CountActive(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM scans WHERE user_id=$1 AND status IN ('queued','running');`
	var n int
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&n)
	return n, err
}

func (r *ScanRepository) CountSince(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM scans WHERE user_id=$1 AND start_time >= $2;`
	var n int
	err := r.db.QueryRowContext(ctx, q, userID, cutoff).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*domain.Scan, error) {
	var s domain.Scan
	var end sql.NullTime
	var meta sql.NullString
	if err := row.Scan(
		&s.ID, &s.UserID, &s.Status, &s.Tool, &s.Target, &s.CommandExecuted,
		&s.StartTime, &end, &s.ExitCode, &s.DurationMS, &s.Truncated,
		&s.ArtifactURL, &s.Error, &meta,
	); err != nil {
		return nil, err
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	if meta.Valid && meta.String != "" {
		var v any
		if err := json.Unmarshal([]byte(meta.String), &v); err == nil {
			s.Metadata = v
		}
	}
	return &s, nil
}

func marshalMetadata(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
