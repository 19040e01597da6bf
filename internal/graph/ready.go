package graph

import (
	"fmt"
)

// ReadyTracker tracks, per node, how many dependencies are still
// outstanding and signals each node exactly once when that count reaches
// zero. It is not safe for concurrent use; callers serialize
// MarkCompleted.
type ReadyTracker struct {
	ids        []string
	dependents map[string][]string
	// initial holds the dependency count each node started with.
	initial map[string]int
	// remaining holds the live dependency count per node.
	remaining map[string]int
	// emitted records nodes that have been signaled. Entries are never removed.
	emitted map[string]bool
	// completed records nodes already passed to MarkCompleted.
	completed map[string]bool
	onReady   func(id string)
	debugLog  func(format string, args ...interface{})
}

// NewReadyTracker creates a tracker for the given nodes. Initial counts
// are derived from the dependents relation: a node's count is the number
// of times it appears as a dependent. Entries naming ids outside ids are
// ignored. onReady may be nil.
func NewReadyTracker(dependents map[string][]string, ids []string, onReady func(id string)) *ReadyTracker {
	t := &ReadyTracker{
		ids:        append([]string(nil), ids...),
		dependents: make(map[string][]string, len(dependents)),
		initial:    make(map[string]int, len(ids)),
		remaining:  make(map[string]int, len(ids)),
		emitted:    make(map[string]bool, len(ids)),
		completed:  make(map[string]bool, len(ids)),
		onReady:    onReady,
		debugLog:   func(format string, args ...interface{}) {},
	}
	for _, id := range ids {
		t.initial[id] = 0
	}
	for from, ds := range dependents {
		if _, ok := t.initial[from]; !ok {
			continue
		}
		for _, to := range ds {
			if _, ok := t.initial[to]; !ok {
				continue
			}
			t.dependents[from] = append(t.dependents[from], to)
			t.initial[to]++
		}
	}
	for id, n := range t.initial {
		t.remaining[id] = n
	}
	return t
}

// SetDebugLog sets the debug logging function.
func (t *ReadyTracker) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		t.debugLog = fn
	}
}

// SeedInitialReady signals every node whose count is zero and that has
// not been signaled yet, in registration order, and returns them.
func (t *ReadyTracker) SeedInitialReady() []string {
	var ready []string
	for _, id := range t.ids {
		if t.remaining[id] == 0 && !t.emitted[id] {
			t.emit(id)
			ready = append(ready, id)
		}
	}
	t.debugLog("[ready.Seed] %d initially ready: %v", len(ready), ready)
	return ready
}

// MarkCompleted records that id finished and decrements each of its
// dependents. Dependents whose count reaches zero are signaled and
// returned. Unknown ids and repeated completions return nil.
func (t *ReadyTracker) MarkCompleted(id string) []string {
	if _, ok := t.remaining[id]; !ok {
		t.debugLog("[ready.MarkCompleted] ignoring unknown node %s", id)
		return nil
	}
	if t.completed[id] {
		t.debugLog("[ready.MarkCompleted] ignoring repeated completion of %s", id)
		return nil
	}
	t.completed[id] = true

	var ready []string
	for _, dep := range t.dependents[id] {
		if t.remaining[dep] == 0 {
			continue
		}
		t.remaining[dep]--
		if t.remaining[dep] == 0 && !t.emitted[dep] {
			t.emit(dep)
			ready = append(ready, dep)
		}
	}
	if len(ready) > 0 {
		t.debugLog("[ready.MarkCompleted] %s unblocked %v", id, ready)
	}
	return ready
}

func (t *ReadyTracker) emit(id string) {
	t.emitted[id] = true
	if t.onReady != nil {
		t.onReady(id)
	}
}

// Snapshot returns a copy of every node's remaining count.
func (t *ReadyTracker) Snapshot() map[string]int {
	out := make(map[string]int, len(t.remaining))
	for id, n := range t.remaining {
		out[id] = n
	}
	return out
}

// RestoreFrom replaces the tracker's counts with snapshot. Nodes at zero
// in the snapshot are treated as already signaled and are never signaled
// again by this tracker. Ids missing from the snapshot keep their initial
// counts. completed names the nodes that finished before the snapshot;
// MarkCompleted ignores them afterwards. A node left out of completed may
// be completed once more, so callers must pass every finished id. The
// tracker is unchanged if the snapshot is rejected.
func (t *ReadyTracker) RestoreFrom(snapshot map[string]int, completed ...string) error {
	for id, n := range snapshot {
		initial, ok := t.initial[id]
		if !ok {
			return fmt.Errorf("%w: unknown node %q", ErrInvalidSnapshot, id)
		}
		if n < 0 || n > initial {
			return fmt.Errorf("%w: node %q has count %d, want 0..%d", ErrInvalidSnapshot, id, n, initial)
		}
	}
	for _, id := range completed {
		n, ok := snapshot[id]
		if !ok {
			n, ok = t.initial[id]
		}
		if !ok {
			return fmt.Errorf("%w: unknown completed node %q", ErrInvalidSnapshot, id)
		}
		if n != 0 {
			return fmt.Errorf("%w: completed node %q still waits on %d dependencies", ErrInvalidSnapshot, id, n)
		}
	}

	t.remaining = make(map[string]int, len(t.initial))
	t.emitted = make(map[string]bool, len(t.initial))
	t.completed = make(map[string]bool, len(t.initial))
	for id, n := range t.initial {
		if restored, ok := snapshot[id]; ok {
			n = restored
		}
		t.remaining[id] = n
		if n == 0 {
			t.emitted[id] = true
		}
	}
	for _, id := range completed {
		t.completed[id] = true
	}
	t.debugLog("[ready.RestoreFrom] restored %d counts, %d completed", len(snapshot), len(completed))
	return nil
}

// Remaining returns the outstanding dependency count for id.
func (t *ReadyTracker) Remaining(id string) (int, bool) {
	n, ok := t.remaining[id]
	return n, ok
}

// Pending returns the ids still waiting on at least one dependency, in
// registration order.
func (t *ReadyTracker) Pending() []string {
	var out []string
	for _, id := range t.ids {
		if t.remaining[id] > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Emitted reports whether id has been signaled.
func (t *ReadyTracker) Emitted(id string) bool {
	return t.emitted[id]
}
