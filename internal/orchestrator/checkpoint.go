package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Checkpoint is the resumable state of a run: the tracker snapshot, which
// nodes finished and how, their outputs for downstream prompts, and the
// budget's consumption.
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	Remaining map[string]int    `json:"remaining"`
	Completed []string          `json:"completed,omitempty"`
	Failed    []string          `json:"failed,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Budget    *budget.State     `json:"budget,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Checkpointer persists checkpoints.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// CheckpointerFunc adapts a function to Checkpointer.
type CheckpointerFunc func(ctx context.Context, cp Checkpoint) error

// SaveCheckpoint calls f(ctx, cp).
func (f CheckpointerFunc) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	return f(ctx, cp)
}

// Validate checks that every id in the checkpoint belongs to g.
func (cp Checkpoint) Validate(g *graph.Graph) error {
	check := func(kind, id string) error {
		if !g.Has(id) {
			return fmt.Errorf("%w: %s node %q", ErrCheckpointMismatch, kind, id)
		}
		return nil
	}
	for id := range cp.Remaining {
		if err := check("remaining", id); err != nil {
			return err
		}
	}
	for _, id := range cp.Completed {
		if err := check("completed", id); err != nil {
			return err
		}
	}
	for _, id := range cp.Failed {
		if err := check("failed", id); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint builds a checkpoint from the loop's state. Must be called on
// the loop goroutine.
func (r *runState) checkpoint(b *budget.Controller) Checkpoint {
	cp := Checkpoint{
		RunID:     r.runID,
		Remaining: r.tracker.Snapshot(),
		Outputs:   make(map[string]string, len(r.outputs)),
		CreatedAt: time.Now(),
	}
	for id, out := range r.outputs {
		cp.Outputs[id] = out
	}
	for id, oc := range r.outcomes {
		switch oc.Status {
		case models.NodeStatusDone:
			cp.Completed = append(cp.Completed, id)
		case models.NodeStatusFailed:
			cp.Failed = append(cp.Failed, id)
		}
	}
	sort.Strings(cp.Completed)
	sort.Strings(cp.Failed)
	if b != nil {
		st := b.State()
		cp.Budget = &st
	}
	return cp
}
