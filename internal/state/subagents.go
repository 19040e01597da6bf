package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// SaveSubagentTask archives a finished subagent task. Saving the same task
// twice keeps the latest view. It implements subagent.HistoryStore.
func (db *DB) SaveSubagentTask(ctx context.Context, runID string, v models.SubagentView) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO subagent_tasks (id, run_id, parent_id, depth, status, output, error,
			input_tokens, output_tokens, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, v.ID, runID, v.ParentID, v.Depth, string(v.Status), v.Output, v.Error,
		v.Usage.Input, v.Usage.Output, formatTime(v.CreatedAt),
		formatNullableTime(v.StartedAt), formatNullableTime(v.EndedAt))
	if err != nil {
		return fmt.Errorf("save subagent task %s: %w", v.ID, err)
	}
	return nil
}

// ListSubagentTasks returns a run's archived subagent tasks in creation
// order.
func (db *DB) ListSubagentTasks(ctx context.Context, runID string) ([]models.SubagentView, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, parent_id, depth, status, output, error, input_tokens, output_tokens,
			created_at, started_at, ended_at
		FROM subagent_tasks WHERE run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list subagent tasks: %w", err)
	}
	defer rows.Close()

	var out []models.SubagentView
	for rows.Next() {
		var v models.SubagentView
		var parentID, output, errMsg, startedAt, endedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&v.ID, &parentID, &v.Depth, &v.Status, &output, &errMsg,
			&v.Usage.Input, &v.Usage.Output, &createdAt, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan subagent task: %w", err)
		}
		v.ParentID = parentID.String
		v.Output = output.String
		v.Error = errMsg.String
		v.CreatedAt, _ = parseTime(createdAt)
		v.StartedAt = parseNullableTime(startedAt)
		v.EndedAt = parseNullableTime(endedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}
