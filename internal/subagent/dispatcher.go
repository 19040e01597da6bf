package subagent

import (
	"context"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ScopedDispatcher dispatches children of one parent at a fixed depth.
// It implements agent.Dispatcher.
type ScopedDispatcher struct {
	registry *Registry
	parentID string
	depth    int
	maxDepth int
}

// Scope returns a dispatcher whose children are attributed to parentID
// and sit one level below depth.
func (r *Registry) Scope(parentID string, depth, maxDepth int) *ScopedDispatcher {
	return &ScopedDispatcher{registry: r, parentID: parentID, depth: depth, maxDepth: maxDepth}
}

// Dispatch implements agent.Dispatcher.
func (d *ScopedDispatcher) Dispatch(ctx context.Context, spec models.AgentSpec, prompt string, timeout time.Duration) (string, error) {
	return d.registry.Dispatch(ctx, d.parentID, spec, DispatchOptions{
		CurrentDepth: d.depth,
		MaxDepth:     d.maxDepth,
		Timeout:      timeout,
		Prompt:       prompt,
	})
}

// Poll implements agent.Dispatcher. Ids outside this parent's subtree
// are reported not_found.
func (d *ScopedDispatcher) Poll(ids []string) []models.SubagentView {
	views := d.registry.Poll(ids, 0)
	for i, v := range views {
		if v.Status != models.SubagentNotFound && !d.registry.Descends(v.ID, d.parentID) {
			views[i] = models.SubagentView{ID: v.ID, Status: models.SubagentNotFound}
		}
	}
	return views
}

// Await implements agent.Dispatcher. Tasks outside this parent's subtree
// are not found.
func (d *ScopedDispatcher) Await(ctx context.Context, id string, timeout time.Duration) (models.SubagentView, error) {
	if !d.registry.Descends(id, d.parentID) {
		return models.SubagentView{ID: id, Status: models.SubagentNotFound}, ErrTaskNotFound
	}
	return d.registry.Await(ctx, id, timeout)
}

// Cancel implements agent.Dispatcher. Tasks outside this parent's subtree
// are not found.
func (d *ScopedDispatcher) Cancel(id string) error {
	if !d.registry.Descends(id, d.parentID) {
		return ErrTaskNotFound
	}
	return d.registry.Cancel(id)
}

// ParentID returns the parent children are attributed to.
func (d *ScopedDispatcher) ParentID() string {
	return d.parentID
}
