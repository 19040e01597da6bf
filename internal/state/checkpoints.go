package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
)

// SaveCheckpoint stores cp as the newest checkpoint of its run. It
// implements orchestrator.Checkpointer.
func (db *DB) SaveCheckpoint(ctx context.Context, cp orchestrator.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, completed, failed, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, cp.RunID, len(cp.Completed), len(cp.Failed), string(data), formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the newest checkpoint of a run. It returns nil if
// the run has none.
func (db *DB) LoadCheckpoint(ctx context.Context, runID string) (*orchestrator.Checkpoint, error) {
	var data string
	err := db.QueryRowContext(ctx, `
		SELECT data FROM checkpoints WHERE run_id = ? ORDER BY id DESC LIMIT 1
	`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp orchestrator.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint for run %s: %w", runID, err)
	}
	return &cp, nil
}

// CountCheckpoints returns how many checkpoints a run has.
func (db *DB) CountCheckpoints(ctx context.Context, runID string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

// PruneCheckpoints keeps only the newest keep checkpoints of a run and
// returns how many were deleted.
func (db *DB) PruneCheckpoints(ctx context.Context, runID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE run_id = ? ORDER BY id DESC LIMIT ?
		)
	`, runID, runID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return result.RowsAffected()
}
