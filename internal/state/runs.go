package state

import (
	"database/sql"
	"fmt"
	"time"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// IsTerminal returns true for statuses a run never leaves.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// Run represents one orchestration run of a workflow.
type Run struct {
	ID          string    `json:"id"`
	Workflow    string    `json:"workflow"`
	Status      RunStatus `json:"status"`
	TokenBudget int64     `json:"token_budget"`
	TokensUsed  int64     `json:"tokens_used"`
	NodesTotal  int       `json:"nodes_total"`
	NodesDone   int       `json:"nodes_done"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

const runColumns = `id, workflow, status, token_budget, tokens_used, nodes_total, nodes_done, error, started_at, ended_at`

// CreateRun creates a new run.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Workflow, string(r.Status), r.TokenBudget, r.TokensUsed, r.NodesTotal, r.NodesDone,
		r.Error, formatTime(r.StartedAt), formatNullableTime(r.EndedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil if the run does not exist.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates a run.
func (db *DB) UpdateRun(r *Run) error {
	_, err := db.Exec(`
		UPDATE runs SET workflow = ?, status = ?, token_budget = ?, tokens_used = ?,
			nodes_total = ?, nodes_done = ?, error = ?, ended_at = ?
		WHERE id = ?
	`, r.Workflow, string(r.Status), r.TokenBudget, r.TokensUsed, r.NodesTotal, r.NodesDone,
		r.Error, formatNullableTime(r.EndedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// DeleteRun deletes a run and its checkpoints, subagent history, and
// audit records.
func (db *DB) DeleteRun(id string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		for _, table := range []string{"checkpoints", "subagent_tasks", "audit_log"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE run_id = ?", id); err != nil {
				return fmt.Errorf("delete %s for run %s: %w", table, id, err)
			}
		}
		if _, err := tx.Exec("DELETE FROM runs WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return nil
	})
}

// ListRuns lists runs newest first, optionally filtered by status. A
// positive limit caps the result.
func (db *DB) ListRuns(status *RunStatus, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run, if any.
func (db *DB) LatestRun() (*Run, error) {
	runs, err := db.ListRuns(nil, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// PurgeOldRuns deletes finished runs started before olderThan ago.
// Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`
		DELETE FROM runs WHERE started_at < ? AND status != ?
	`, cutoff, string(RunRunning))
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var errMsg, endedAt sql.NullString
	var startedAt string
	err := s.Scan(&r.ID, &r.Workflow, &r.Status, &r.TokenBudget, &r.TokensUsed,
		&r.NodesTotal, &r.NodesDone, &errMsg, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	r.StartedAt, _ = parseTime(startedAt)
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}
