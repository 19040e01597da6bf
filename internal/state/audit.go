package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/middleware"
)

// RecordAudit appends one record to the audit log. It implements
// middleware.AuditSink.
func (db *DB) RecordAudit(ctx context.Context, rec middleware.AuditRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (run_id, node_id, stage, event, tool, detail, tokens, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.NodeID, string(rec.Stage), rec.Event, rec.Tool, rec.Detail, rec.Tokens, formatTime(rec.At))
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListAudit returns a run's audit records in the order they were written.
// A positive limit keeps only the newest records.
func (db *DB) ListAudit(ctx context.Context, runID string, limit int) ([]middleware.AuditRecord, error) {
	query := `
		SELECT run_id, node_id, stage, event, tool, detail, tokens, at FROM (
			SELECT * FROM audit_log WHERE run_id = ? ORDER BY id DESC`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []middleware.AuditRecord
	for rows.Next() {
		var rec middleware.AuditRecord
		var runID, nodeID, tool, detail sql.NullString
		var at string
		if err := rows.Scan(&runID, &nodeID, &rec.Stage, &rec.Event, &tool, &detail, &rec.Tokens, &at); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.RunID = runID.String
		rec.NodeID = nodeID.String
		rec.Tool = tool.String
		rec.Detail = detail.String
		rec.At, _ = parseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}
