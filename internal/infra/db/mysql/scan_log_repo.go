package mysql

import (
	"context"
	"database/sql"

	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
)

type ScanLogRepository struct {
	db *sql.DB
}

func NewScanLogRepository(db *sql.DB) *ScanLogRepository {
	return &ScanLogRepository{db: db}
}

// Append insert satu log entry (append-only)
func (r *ScanLogRepository) Append(ctx context.Context, e *domain.ScanLogEntry) error {
	const q = `
INSERT INTO scan_logs (scan_id, ts, level, message, raw_output)
VALUES (?,?,?,?,?);
`
	res, err := r.db.ExecContext(ctx, q,
		e.ScanID, e.Timestamp, stringOrDash(string(e.Level)), e.Message, e.RawOutput)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListByScan returns entries ordered by timestamp then insertion order.
// Empty level returns all levels.
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
WHERE scan_id=?`
	args := []any{id}
	if level != "" {
		query += " AND level=?"
		args = append(args, level)
	}
	query += " ORDER BY ts ASC, id ASC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

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
