package postgres

import (
	"context"
	"database/sql"

	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

type ScanLogRepository struct{ db *sql.DB }

func NewScanLogRepository(db *sql.DB) *ScanLogRepository { return &ScanLogRepository{db: db} }

// Append insert satu log entry (append-only)
func (r *ScanLogRepository) Append(ctx context.Context, e *domain.ScanLogEntry) error {
	const q = `
INSERT INTO scan_logs (scan_id, ts, level, message, raw_output)
VALUES ($1,$2,$3,$4,$5)
RETURNING id;`
	return r.db.QueryRowContext(ctx, q,
		e.ScanID, e.Timestamp, stringOrDash(string(e.Level)), e.Message, e.RawOutput,
	).Scan(&e.ID)
}

// ListByScan returns entries ordered by timestamp then insertion order.
func (r *ScanLogRepository) ListByScan(ctx context.Context, id domain.ScanID, level domain.Level, limit, offset int) ([]*domain.ScanLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
SELECT id, scan_id, ts, level, message, raw_output
FROM scan_logs
WHERE scan_id=$1`
	args := []any{id}
	if level != "" {
		query += " AND level=$2 ORDER BY ts ASC, id ASC LIMIT $3 OFFSET $4;"
		args = append(args, level, limit, offset)
	} else {
		query += " ORDER BY ts ASC, id ASC LIMIT $2 OFFSET $3;"
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanLogEntry
	for rows.Next() {
		var e domain.ScanLogEntry
		var raw sql.NullString
		if err := rows.Scan(&e.ID, &e.ScanID, &e.Timestamp, &e.Level, &e.Message, &raw); err != nil {
			return nil, err
		}
		e.RawOutput = raw.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
