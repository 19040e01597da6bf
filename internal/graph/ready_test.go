package graph

import (
	"errors"
	"reflect"
	"testing"
)

type readyRecorder struct {
	order []string
	count map[string]int
}

func newReadyRecorder() *readyRecorder {
	return &readyRecorder{count: make(map[string]int)}
}

func (r *readyRecorder) onReady(id string) {
	r.order = append(r.order, id)
	r.count[id]++
}

func TestReadyTrackerLinearChain(t *testing.T) {
	rec := newReadyRecorder()
	tracker := NewReadyTracker(map[string][]string{
		"a": {"b"},
		"b": {"c"},
	}, []string{"a", "b", "c"}, rec.onReady)

	if got := tracker.SeedInitialReady(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected [a] initially ready, got %v", got)
	}
	if got := tracker.MarkCompleted("a"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expected [b] after a, got %v", got)
	}
	if got := tracker.MarkCompleted("b"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("expected [c] after b, got %v", got)
	}
	if got := tracker.MarkCompleted("c"); got != nil {
		t.Fatalf("expected nothing after c, got %v", got)
	}

	if !reflect.DeepEqual(rec.order, []string{"a", "b", "c"}) {
		t.Errorf("unexpected ready order: %v", rec.order)
	}
}

func TestReadyTrackerDiamond(t *testing.T) {
	rec := newReadyRecorder()
	tracker := NewReadyTracker(map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
	}, []string{"a", "b", "c", "d"}, rec.onReady)

	tracker.SeedInitialReady()
	if got := tracker.MarkCompleted("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("expected [b c] after a, got %v", got)
	}
	if got := tracker.MarkCompleted("c"); got != nil {
		t.Fatalf("expected d still blocked after c, got %v", got)
	}
	if n, _ := tracker.Remaining("d"); n != 1 {
		t.Errorf("expected d to wait on 1 dependency, got %d", n)
	}
	if got := tracker.MarkCompleted("b"); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("expected [d] after b, got %v", got)
	}
	if rec.count["d"] != 1 {
		t.Errorf("expected d signaled once, got %d", rec.count["d"])
	}
}

func TestReadyTrackerMultipleRoots(t *testing.T) {
	rec := newReadyRecorder()
	tracker := NewReadyTracker(map[string][]string{
		"x": {"z"},
		"y": {"z"},
	}, []string{"x", "y", "z"}, rec.onReady)

	if got := tracker.SeedInitialReady(); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("expected [x y] initially ready, got %v", got)
	}
	// Re-seeding never re-signals.
	if got := tracker.SeedInitialReady(); got != nil {
		t.Errorf("expected no re-signal on second seed, got %v", got)
	}
	if got := tracker.Pending(); !reflect.DeepEqual(got, []string{"z"}) {
		t.Errorf("expected z pending, got %v", got)
	}
}

func TestReadyTrackerIgnoresUnknownAndRepeated(t *testing.T) {
	tracker := NewReadyTracker(map[string][]string{
		"a": {"c"},
		"b": {"c"},
	}, []string{"a", "b", "c"}, nil)
	tracker.SeedInitialReady()

	if got := tracker.MarkCompleted("nope"); got != nil {
		t.Errorf("expected nil for unknown id, got %v", got)
	}
	tracker.MarkCompleted("a")
	if got := tracker.MarkCompleted("a"); got != nil {
		t.Errorf("expected nil for repeated completion, got %v", got)
	}
	if n, _ := tracker.Remaining("c"); n != 1 {
		t.Fatalf("expected c count 1 after repeated completion, got %d", n)
	}
	tracker.MarkCompleted("b")
	tracker.MarkCompleted("b")
	if n, _ := tracker.Remaining("c"); n != 0 {
		t.Errorf("expected c count 0, got %d", n)
	}
}

func TestReadyTrackerEachNodeSignaledOnce(t *testing.T) {
	b := NewBuilder()
	_ = b.AddNode("a", spec("a"))
	_ = b.AddNode("b", spec("b"), "a")
	_ = b.AddNode("c", spec("c"), "a")
	_ = b.AddNode("d", spec("d"), "b", "c")
	_ = b.AddNode("e", spec("e"), "a", "d")
	g := mustBuild(t, b)

	rec := newReadyRecorder()
	tracker := g.NewReadyTracker(rec.onReady)

	queue := tracker.SeedInitialReady()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		queue = append(queue, tracker.MarkCompleted(id)...)
	}

	for _, id := range g.IDs() {
		if rec.count[id] != 1 {
			t.Errorf("expected %s signaled exactly once, got %d", id, rec.count[id])
		}
	}
}

func TestReadyTrackerSnapshotRestore(t *testing.T) {
	deps := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
	}
	ids := []string{"a", "b", "c", "d"}

	first := newReadyRecorder()
	tracker := NewReadyTracker(deps, ids, first.onReady)
	tracker.SeedInitialReady()
	tracker.MarkCompleted("a")
	tracker.MarkCompleted("b")
	snap := tracker.Snapshot()

	want := map[string]int{"a": 0, "b": 0, "c": 0, "d": 1}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	second := newReadyRecorder()
	restored := NewReadyTracker(deps, ids, second.onReady)
	if err := restored.RestoreFrom(snap); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if got := restored.SeedInitialReady(); got != nil {
		t.Errorf("expected restored tracker not to re-seed, got %v", got)
	}
	if got := restored.MarkCompleted("c"); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("expected [d] after completing c, got %v", got)
	}

	// Across both trackers every node is signaled exactly once.
	for _, id := range ids {
		if first.count[id]+second.count[id] != 1 {
			t.Errorf("expected %s signaled once overall, got %d+%d", id, first.count[id], second.count[id])
		}
	}

	// Snapshot is a copy.
	snap["d"] = 0
	if n, _ := tracker.Remaining("d"); n != 1 {
		t.Error("snapshot aliased tracker state")
	}
}

func TestReadyTrackerRestoreRejectsInvalid(t *testing.T) {
	deps := map[string][]string{"a": {"b"}}
	ids := []string{"a", "b"}

	tests := []struct {
		name string
		snap map[string]int
	}{
		{"unknown id", map[string]int{"zzz": 0}},
		{"negative", map[string]int{"b": -1}},
		{"above initial", map[string]int{"b": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewReadyTracker(deps, ids, nil)
			err := tracker.RestoreFrom(tt.snap)
			if !errors.Is(err, ErrInvalidSnapshot) {
				t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
			}
			if n, _ := tracker.Remaining("b"); n != 1 {
				t.Errorf("expected tracker unchanged, got count %d", n)
			}
		})
	}
}

func TestReadyTrackerRestoreCompleted(t *testing.T) {
	deps := map[string][]string{
		"a": {"c"},
		"b": {"c"},
	}
	ids := []string{"a", "b", "c"}

	tracker := NewReadyTracker(deps, ids, nil)
	if err := tracker.RestoreFrom(map[string]int{"a": 0, "b": 0, "c": 1}, "a"); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if got := tracker.MarkCompleted("a"); got != nil {
		t.Errorf("expected completion before the snapshot to be ignored, got %v", got)
	}
	if n, _ := tracker.Remaining("c"); n != 1 {
		t.Errorf("expected c to still wait on b, got count %d", n)
	}
	if got := tracker.MarkCompleted("b"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("expected [c] after completing b, got %v", got)
	}

	tests := []struct {
		name      string
		completed string
	}{
		{"unknown completed id", "zzz"},
		{"completed id still waiting", "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewReadyTracker(deps, ids, nil)
			err := tr.RestoreFrom(map[string]int{"a": 0, "b": 0, "c": 2}, tt.completed)
			if !errors.Is(err, ErrInvalidSnapshot) {
				t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
			}
		})
	}
}
