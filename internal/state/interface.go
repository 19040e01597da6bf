package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/conductor/internal/middleware"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/subagent"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// RunStore handles run-related persistence operations.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRun(r *Run) error
	ListRuns(status *RunStatus, limit int) ([]Run, error)
	LatestRun() (*Run, error)
	PurgeOldRuns(olderThan time.Duration) (int64, error)
}

// CheckpointStore handles checkpoint persistence.
type CheckpointStore interface {
	orchestrator.Checkpointer
	LoadCheckpoint(ctx context.Context, runID string) (*orchestrator.Checkpoint, error)
}

// HistoryStore handles subagent history persistence.
type HistoryStore interface {
	subagent.HistoryStore
	ListSubagentTasks(ctx context.Context, runID string) ([]models.SubagentView, error)
}

// AuditStore handles audit log persistence.
type AuditStore interface {
	middleware.AuditSink
	ListAudit(ctx context.Context, runID string, limit int) ([]middleware.AuditRecord, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore defines the interface for state persistence. It composes
// focused sub-interfaces so callers can depend on only what they use.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	CheckpointStore
	HistoryStore
	AuditStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore      = (*DB)(nil)
	_ RunStore        = (*DB)(nil)
	_ CheckpointStore = (*DB)(nil)
	_ HistoryStore    = (*DB)(nil)
	_ AuditStore      = (*DB)(nil)
)
