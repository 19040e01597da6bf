package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/middleware"
	"github.com/ShayCichocki/conductor/internal/subagent"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// fakeExec records every call and answers "out-<node>" unless fn is set.
type fakeExec struct {
	mu      sync.Mutex
	calls   []string
	prompts map[string]string
	fn      func(ctx context.Context, req *agent.Request) (*models.AgentResult, error)
}

func newFakeExec(fn func(ctx context.Context, req *agent.Request) (*models.AgentResult, error)) *fakeExec {
	return &fakeExec{prompts: make(map[string]string), fn: fn}
}

func (f *fakeExec) Execute(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.NodeID)
	f.prompts[req.NodeID] = req.Prompt
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return defaultResult(req), nil
}

func (f *fakeExec) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExec) prompt(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[id]
}

func defaultResult(req *agent.Request) *models.AgentResult {
	return &models.AgentResult{
		Text:  "out-" + req.NodeID,
		Usage: models.TokenUsage{Input: 10, Output: 5},
	}
}

type testNode struct {
	id   string
	deps []string
}

func buildGraph(t *testing.T, nodes ...testNode) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder()
	for _, n := range nodes {
		if err := b.AddNode(n.id, models.AgentSpec{Name: n.id, Prompt: "do " + n.id}, n.deps...); err != nil {
			t.Fatalf("AddNode(%s): %v", n.id, err)
		}
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func diamond(t *testing.T) *graph.Graph {
	return buildGraph(t,
		testNode{id: "a"},
		testNode{id: "b", deps: []string{"a"}},
		testNode{id: "c", deps: []string{"a"}},
		testNode{id: "d", deps: []string{"b", "c"}},
	)
}

func drain(o *Orchestrator) []Event {
	o.Close()
	var out []Event
	for ev := range o.Events() {
		out = append(out, ev)
	}
	return out
}

func TestRun_Diamond(t *testing.T) {
	exec := newFakeExec(nil)
	o := New(RequiredConfig{Graph: diamond(t), Executor: exec})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("run did not succeed: %+v", res.Nodes)
	}
	if len(res.Completed) != 4 || res.Completed[0] != "a" || res.Completed[3] != "d" {
		t.Errorf("Completed = %v, want a first and d last", res.Completed)
	}
	if res.Usage.Total() != 60 {
		t.Errorf("Usage.Total = %d, want 60", res.Usage.Total())
	}
	if res.Output("d") != "out-d" {
		t.Errorf("Output(d) = %q, want out-d", res.Output("d"))
	}

	p := exec.prompt("d")
	if !strings.HasPrefix(p, "do d\n\n## Context from dependencies\n") {
		t.Errorf("prompt for d missing dependency section:\n%s", p)
	}
	for _, want := range []string{"### b\nout-b", "### c\nout-c"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt for d missing %q:\n%s", want, p)
		}
	}
	if exec.prompt("a") != "do a" {
		t.Errorf("root prompt = %q, want it unchanged", exec.prompt("a"))
	}
	if res.RunID == "" || o.RunID() != res.RunID {
		t.Errorf("RunID = %q, orchestrator reports %q", res.RunID, o.RunID())
	}
}

func TestRun_Events(t *testing.T) {
	o := New(RequiredConfig{Graph: diamond(t), Executor: newFakeExec(nil)})
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := drain(o)
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if events[0].Type != EventNodeReady || events[0].NodeID != "a" {
		t.Errorf("first event = %s %s, want node_ready a", events[0].Type, events[0].NodeID)
	}
	if last := events[len(events)-1]; last.Type != EventRunDone {
		t.Errorf("last event = %s, want run_done", last.Type)
	}

	counts := make(map[EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
		if ev.RunID == "" {
			t.Errorf("event %s has no run id", ev.Type)
		}
	}
	if counts[EventNodeReady] != 4 || counts[EventNodeStarted] != 4 || counts[EventNodeCompleted] != 4 {
		t.Errorf("event counts = %v", counts)
	}
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	boom := errors.New("boom")
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		if req.NodeID == "a" {
			return nil, boom
		}
		return defaultResult(req), nil
	})
	g := buildGraph(t,
		testNode{id: "a"},
		testNode{id: "b", deps: []string{"a"}},
		testNode{id: "c", deps: []string{"b"}},
		testNode{id: "x"},
	)
	o := New(RequiredConfig{Graph: g, Executor: exec})

	res, err := o.Run(context.Background())
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("err = %v, want ErrRunFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want it to wrap the root cause", err)
	}

	tests := []struct {
		id     string
		status models.NodeStatus
		cause  string
	}{
		{"a", models.NodeStatusFailed, ""},
		{"b", models.NodeStatusBlocked, "a"},
		{"c", models.NodeStatusBlocked, "a"},
		{"x", models.NodeStatusDone, ""},
	}
	for _, tt := range tests {
		oc := res.Nodes[tt.id]
		if oc.Status != tt.status || oc.Cause != tt.cause {
			t.Errorf("node %s = %s (cause %q), want %s (cause %q)", tt.id, oc.Status, oc.Cause, tt.status, tt.cause)
		}
	}
	for _, id := range exec.called() {
		if id == "b" || id == "c" {
			t.Errorf("blocked node %s was executed", id)
		}
	}
}

func TestRun_BudgetDeniedWithNothingInFlight(t *testing.T) {
	b := budget.New(budget.Config{Total: 1000, InitialEstimate: 4000})
	exec := newFakeExec(nil)
	g := buildGraph(t, testNode{id: "a"}, testNode{id: "b", deps: []string{"a"}})
	o := New(RequiredConfig{Graph: g, Executor: exec}, WithBudget(b))

	res, err := o.Run(context.Background())
	if !errors.Is(err, ErrRunFailed) || !errors.Is(err, ErrBudgetDenied) {
		t.Fatalf("err = %v, want ErrRunFailed wrapping ErrBudgetDenied", err)
	}
	if res.Status("a") != models.NodeStatusDenied {
		t.Errorf("a = %s, want denied", res.Status("a"))
	}
	if res.Status("b") != models.NodeStatusBlocked {
		t.Errorf("b = %s, want blocked", res.Status("b"))
	}
	if len(exec.called()) != 0 {
		t.Errorf("executor called %v, want no calls", exec.called())
	}
}

func TestRun_BudgetDenialDeferredWhileInFlight(t *testing.T) {
	b := budget.New(budget.Config{Total: 10000, InitialEstimate: 5000})
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		return &models.AgentResult{Text: "ok", Usage: models.TokenUsage{Input: 600, Output: 400}}, nil
	})
	g := buildGraph(t, testNode{id: "a"}, testNode{id: "b"})
	o := New(RequiredConfig{Graph: g, Executor: exec}, WithBudget(b), WithMaxParallel(2))

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("nodes = %+v, want all done", res.Nodes)
	}
	if got := res.Completed; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Completed = %v, want [a b]", got)
	}
	stats := b.Stats()
	if stats.Denials != 1 {
		t.Errorf("Denials = %d, want 1", stats.Denials)
	}
	if stats.Reserved != 0 || stats.InFlight != 0 {
		t.Errorf("reservations leaked: %+v", stats)
	}
	if stats.Consumed != 2000 {
		t.Errorf("Consumed = %d, want 2000", stats.Consumed)
	}
}

func TestRun_MaxParallel(t *testing.T) {
	var cur, peak atomic.Int32
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return defaultResult(req), nil
	})
	var nodes []testNode
	for i := 0; i < 6; i++ {
		nodes = append(nodes, testNode{id: fmt.Sprintf("n%d", i)})
	}
	o := New(RequiredConfig{Graph: buildGraph(t, nodes...), Executor: exec}, WithMaxParallel(2))

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Completed) != 6 {
		t.Errorf("completed %d nodes, want 6", len(res.Completed))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRun_Fork(t *testing.T) {
	variantErr := errors.New("variant failed")
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		if req.Variant == 0 {
			return nil, variantErr
		}
		return &models.AgentResult{Text: req.Spec.Name, Usage: models.TokenUsage{Input: 3, Output: 2}}, nil
	})

	b := graph.NewBuilder()
	specs := []models.AgentSpec{{Name: "v0"}, {Name: "v1"}, {Name: "v2"}}
	if err := b.AddFork("f", specs); err != nil {
		t.Fatalf("AddFork: %v", err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		name        string
		selector    ForkSelector
		wantOutput  string
		wantVariant int
	}{
		{"first success", nil, "v1", 1},
		{"custom selector", func(string, []VariantResult) (int, error) { return 2, nil }, "v2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(RequiredConfig{Graph: g, Executor: exec}, WithForkSelector(tt.selector))
			res, err := o.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			oc := res.Nodes["f"]
			if oc.Output != tt.wantOutput || oc.Variant != tt.wantVariant {
				t.Errorf("fork = %q variant %d, want %q variant %d", oc.Output, oc.Variant, tt.wantOutput, tt.wantVariant)
			}
			if oc.Usage.Total() != 10 {
				t.Errorf("fork usage = %d, want 10 summed over variants", oc.Usage.Total())
			}
		})
	}
}

func TestRun_ForkAllVariantsFail(t *testing.T) {
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		return nil, fmt.Errorf("variant %d down", req.Variant)
	})
	b := graph.NewBuilder()
	if err := b.AddFork("f", []models.AgentSpec{{Name: "v0"}, {Name: "v1"}}); err != nil {
		t.Fatalf("AddFork: %v", err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := New(RequiredConfig{Graph: g, Executor: exec}).Run(context.Background())
	if !errors.Is(err, ErrNoVariantSucceeded) {
		t.Fatalf("err = %v, want ErrNoVariantSucceeded", err)
	}
	if res.Status("f") != models.NodeStatusFailed {
		t.Errorf("f = %s, want failed", res.Status("f"))
	}
}

func TestRun_ForkCancelledReturnsContextError(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		started.Done()
		<-ctx.Done()
		return &models.AgentResult{Usage: models.TokenUsage{Input: 1, Output: 1}}, ctx.Err()
	})
	b := graph.NewBuilder()
	if err := b.AddFork("f", []models.AgentSpec{{Name: "v0"}, {Name: "v1"}}); err != nil {
		t.Fatalf("AddFork: %v", err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	o := New(RequiredConfig{Graph: g, Executor: exec}, WithNodeTimeout(30*time.Millisecond))
	res, err := o.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if errors.Is(err, ErrNoVariantSucceeded) {
		t.Errorf("cancelled fork reached the selector: %v", err)
	}
	started.Wait()
	oc := res.Nodes["f"]
	if oc.Status != models.NodeStatusFailed || oc.Usage.Total() != 4 {
		t.Errorf("f = %s usage %d, want failed with 4 tokens", oc.Status, oc.Usage.Total())
	}
}

func TestFirstSuccess(t *testing.T) {
	ok := &models.AgentResult{Text: "ok"}
	tests := []struct {
		name     string
		variants []VariantResult
		want     int
		wantErr  bool
	}{
		{"first wins", []VariantResult{{Index: 0, Result: ok}, {Index: 1, Result: ok}}, 0, false},
		{"skips failures", []VariantResult{{Index: 0, Err: errors.New("x")}, {Index: 1, Result: ok}}, 1, false},
		{"all fail", []VariantResult{{Index: 0, Err: errors.New("x")}, {Index: 1, Err: errors.New("y")}}, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstSuccess("f", tt.variants)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FirstSuccess = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_StopAndResume(t *testing.T) {
	g := buildGraph(t,
		testNode{id: "a"},
		testNode{id: "b", deps: []string{"a"}},
		testNode{id: "c", deps: []string{"b"}},
	)

	var mu sync.Mutex
	var last Checkpoint
	saves := 0
	cpr := CheckpointerFunc(func(ctx context.Context, cp Checkpoint) error {
		mu.Lock()
		defer mu.Unlock()
		last = cp
		saves++
		return nil
	})

	var o *Orchestrator
	first := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		o.Stop()
		return defaultResult(req), nil
	})
	o = New(RequiredConfig{Graph: g, Executor: first}, WithCheckpointer(cpr), WithRunID("run-1"))

	res, err := o.Run(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if res.Status("a") != models.NodeStatusDone {
		t.Errorf("a = %s, want done", res.Status("a"))
	}
	for _, id := range []string{"b", "c"} {
		if res.Status(id) != models.NodeStatusCancelled {
			t.Errorf("%s = %s, want cancelled", id, res.Status(id))
		}
	}

	mu.Lock()
	cp := last
	mu.Unlock()
	if saves != 1 {
		t.Errorf("saved %d checkpoints, want 1", saves)
	}
	if cp.RunID != "run-1" || len(cp.Completed) != 1 || cp.Completed[0] != "a" {
		t.Errorf("checkpoint = %+v", cp)
	}
	if cp.Remaining["b"] != 0 || cp.Remaining["c"] != 1 {
		t.Errorf("checkpoint remaining = %v, want b=0 c=1", cp.Remaining)
	}
	if cp.Outputs["a"] != "out-a" {
		t.Errorf("checkpoint output for a = %q", cp.Outputs["a"])
	}

	second := newFakeExec(nil)
	o2 := New(RequiredConfig{Graph: g, Executor: second})
	res, err = o2.Resume(context.Background(), cp)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := second.called(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("resumed calls = %v, want [b c]", got)
	}
	if !strings.Contains(second.prompt("b"), "### a\nout-a") {
		t.Errorf("resumed prompt for b lacks restored output:\n%s", second.prompt("b"))
	}
	if !res.Succeeded() || res.RunID != "run-1" {
		t.Errorf("resumed run = %+v", res)
	}
	if got := res.Completed; len(got) != 3 || got[0] != "a" {
		t.Errorf("Completed = %v, want a restored first", got)
	}
}

func TestResume_PreviouslyFailedNotRequeued(t *testing.T) {
	g := buildGraph(t,
		testNode{id: "a"},
		testNode{id: "b", deps: []string{"a"}},
		testNode{id: "x"},
	)
	exec := newFakeExec(nil)
	cp := Checkpoint{
		RunID:     "r",
		Remaining: map[string]int{"a": 0, "b": 1, "x": 0},
		Failed:    []string{"a"},
	}

	res, err := New(RequiredConfig{Graph: g, Executor: exec}).Resume(context.Background(), cp)
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("err = %v, want ErrRunFailed", err)
	}
	if got := exec.called(); len(got) != 1 || got[0] != "x" {
		t.Errorf("calls = %v, want [x]", got)
	}
	if res.Status("b") != models.NodeStatusBlocked {
		t.Errorf("b = %s, want blocked", res.Status("b"))
	}
}

func TestResume_RejectsForeignCheckpoint(t *testing.T) {
	g := buildGraph(t, testNode{id: "a"})
	o := New(RequiredConfig{Graph: g, Executor: newFakeExec(nil)})

	_, err := o.Resume(context.Background(), Checkpoint{Remaining: map[string]int{"zzz": 0}})
	if !errors.Is(err, ErrCheckpointMismatch) {
		t.Errorf("err = %v, want ErrCheckpointMismatch", err)
	}

	_, err = o.Resume(context.Background(), Checkpoint{Remaining: map[string]int{"a": 3}})
	if !errors.Is(err, graph.ErrInvalidSnapshot) {
		t.Errorf("err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestRun_PauseHoldsDispatch(t *testing.T) {
	called := make(chan string, 4)
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		called <- req.NodeID
		return defaultResult(req), nil
	})
	pc := NewPauseController()
	pc.Pause()
	o := New(RequiredConfig{Graph: buildGraph(t, testNode{id: "a"}), Executor: exec}, WithPauseController(pc))

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()

	select {
	case id := <-called:
		t.Fatalf("node %s dispatched while paused", id)
	case <-time.After(50 * time.Millisecond):
	}

	o.Unpause()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after unpause")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	started := make(chan struct{})
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := buildGraph(t, testNode{id: "a"}, testNode{id: "b", deps: []string{"a"}})
	o := New(RequiredConfig{Graph: g, Executor: exec})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, id := range []string{"a", "b"} {
		if res.Status(id) != models.NodeStatusCancelled {
			t.Errorf("%s = %s, want cancelled", id, res.Status(id))
		}
	}
}

func TestRun_NodeTimeout(t *testing.T) {
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := New(RequiredConfig{Graph: buildGraph(t, testNode{id: "a"}), Executor: exec}, WithNodeTimeout(20*time.Millisecond))

	res, err := o.Run(context.Background())
	if !errors.Is(err, ErrRunFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrRunFailed wrapping DeadlineExceeded", err)
	}
	if res.Status("a") != models.NodeStatusFailed {
		t.Errorf("a = %s, want failed", res.Status("a"))
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		close(started)
		<-release
		return defaultResult(req), nil
	})
	o := New(RequiredConfig{Graph: buildGraph(t, testNode{id: "a"}), Executor: exec})

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()
	<-started

	if _, err := o.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run err = %v, want ErrAlreadyRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run: %v", err)
	}
}

func TestRun_MissingRequiredConfig(t *testing.T) {
	if _, err := New(RequiredConfig{}).Run(context.Background()); err == nil {
		t.Error("Run without graph or executor should fail")
	}
}

type prefixer struct{}

func (prefixer) Name() string  { return "prefixer" }
func (prefixer) Priority() int { return 0 }
func (prefixer) BeforeAgent(ctx context.Context, call *middleware.AgentCall) (middleware.Verdict, error) {
	call.Prompt = "[checked] " + call.Prompt
	return middleware.Verdict{}, nil
}

func TestRun_ChainWrapsEveryNode(t *testing.T) {
	chain, err := middleware.NewChain(prefixer{})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	exec := newFakeExec(nil)
	o := New(RequiredConfig{Graph: buildGraph(t, testNode{id: "a"}), Executor: exec}, WithChain(chain))

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := exec.prompt("a"); got != "[checked] do a" {
		t.Errorf("prompt = %q, want middleware rewrite", got)
	}
}

func TestRun_SubagentDispatcherInjected(t *testing.T) {
	exec := newFakeExec(func(ctx context.Context, req *agent.Request) (*models.AgentResult, error) {
		if req.Depth > 0 {
			return &models.AgentResult{Text: "child:" + req.Prompt}, nil
		}
		if req.Subagents == nil {
			return nil, errors.New("no dispatcher")
		}
		id, err := req.Subagents.Dispatch(ctx, models.AgentSpec{Name: "helper"}, "summarize", 0)
		if err != nil {
			return nil, err
		}
		view, err := req.Subagents.Await(ctx, id, time.Second)
		if err != nil {
			return nil, err
		}
		return &models.AgentResult{Text: view.Output}, nil
	})
	reg := subagent.New(exec, subagent.WithMaxConcurrent(2))
	t.Cleanup(func() { reg.Close() })

	o := New(RequiredConfig{Graph: buildGraph(t, testNode{id: "a"}), Executor: exec}, WithRegistry(reg))
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output("a") != "child:summarize" {
		t.Errorf("Output(a) = %q, want child:summarize", res.Output("a"))
	}
	if got := reg.Children("a"); len(got) != 1 {
		t.Errorf("Children(a) = %v, want one child", got)
	}
}

func TestWithDependencyContext(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		deps   []depOutput
		want   string
	}{
		{"no deps", "p", nil, "p"},
		{"one dep", "p", []depOutput{{id: "a", output: " x \n"}}, "p\n\n## Context from dependencies\n\n### a\nx\n"},
		{"empty prompt", "", []depOutput{{id: "a", output: "x"}}, "## Context from dependencies\n\n### a\nx\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withDependencyContext(tt.prompt, tt.deps); got != tt.want {
				t.Errorf("withDependencyContext = %q, want %q", got, tt.want)
			}
		})
	}
}
