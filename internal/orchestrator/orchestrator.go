package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// NodeOutcome records how a node finished within a run.
type NodeOutcome struct {
	ID     string
	Status models.NodeStatus
	// Output is the selected result text for done nodes.
	Output string
	// Variant is the selected fork variant, 0 for plain nodes.
	Variant int
	Usage   models.TokenUsage
	Cached  bool
	Err     error
	// Cause names the upstream node for blocked nodes.
	Cause     string
	StartedAt time.Time
	EndedAt   time.Time
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID string
	// Nodes holds one outcome per graph node.
	Nodes map[string]NodeOutcome
	// Completed lists done nodes in completion order.
	Completed     []string
	Usage         models.TokenUsage
	StartedAt     time.Time
	Duration      time.Duration
	DroppedEvents uint64
}

// Output returns the output of a done node.
func (r *RunResult) Output(id string) string {
	return r.Nodes[id].Output
}

// Status returns a node's final status, or "" for unknown ids.
func (r *RunResult) Status(id string) models.NodeStatus {
	return r.Nodes[id].Status
}

// Count returns how many nodes finished with status.
func (r *RunResult) Count(status models.NodeStatus) int {
	n := 0
	for _, oc := range r.Nodes {
		if oc.Status == status {
			n++
		}
	}
	return n
}

// Succeeded returns true if every node is done.
func (r *RunResult) Succeeded() bool {
	return r.Count(models.NodeStatusDone) == len(r.Nodes)
}

// Orchestrator executes a compiled graph. One run may be in progress at a
// time; Run and Resume may be called again once it returns.
type Orchestrator struct {
	graph    *graph.Graph
	executor agent.Executor
	// exec is executor wrapped by the middleware chain, if any.
	exec agent.Executor

	opts      orchestratorOptions
	logger    *DebugLogger
	emitter   *EventEmitter
	pauseCtrl *PauseController

	running atomic.Bool
	mu      sync.Mutex
	runID   string
}

// New creates an Orchestrator. Missing required fields are reported by
// Run and Resume.
func New(req RequiredConfig, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.pauseCtrl == nil {
		o.pauseCtrl = NewPauseController()
	}
	setPackageLogger(o.logger)

	orch := &Orchestrator{
		graph:     req.Graph,
		executor:  req.Executor,
		exec:      req.Executor,
		opts:      o,
		logger:    o.logger,
		emitter:   NewEventEmitter(o.eventBuffer),
		pauseCtrl: o.pauseCtrl,
	}
	if o.chain != nil && req.Executor != nil {
		o.chain.SetDebugLog(debugLog)
		orch.exec = o.chain.Wrap(req.Executor)
	}
	if o.budget != nil {
		o.budget.SetDebugLog(debugLog)
	}
	if o.registry != nil {
		o.registry.SetDebugLog(debugLog)
	}
	return orch
}

// Events returns the channel run events are delivered on.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// DroppedEvents returns how many events were dropped on a full channel.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.emitter.DroppedCount()
}

// RunID returns the id of the current or most recent run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Pause holds new node dispatches.
func (o *Orchestrator) Pause() {
	o.pauseCtrl.Pause()
}

// Unpause releases a pause.
func (o *Orchestrator) Unpause() {
	o.pauseCtrl.Resume()
}

// IsPaused returns whether dispatch is currently paused.
func (o *Orchestrator) IsPaused() bool {
	return o.pauseCtrl.IsPaused()
}

// Stop ends the current run once in-flight nodes finish.
func (o *Orchestrator) Stop() {
	o.pauseCtrl.Stop()
}

// PauseController returns the controller used for pause and stop.
func (o *Orchestrator) PauseController() *PauseController {
	return o.pauseCtrl
}

// Close closes the events channel. The orchestrator must not be run again.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// Run executes the graph from its roots.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	return o.run(ctx, nil)
}

// Resume continues a run from a checkpoint. Tracker counts and budget
// consumption are restored, completed nodes keep their outputs, and nodes
// whose dependencies are all complete are dispatched unless they
// previously failed.
func (o *Orchestrator) Resume(ctx context.Context, cp Checkpoint) (*RunResult, error) {
	return o.run(ctx, &cp)
}

func (o *Orchestrator) run(ctx context.Context, cp *Checkpoint) (*RunResult, error) {
	if o.graph == nil || o.executor == nil {
		return nil, errors.New("orchestrator: graph and executor are required")
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	rs, ready, err := o.prepare(cp)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.runID = rs.runID
	o.mu.Unlock()

	o.logger.Log("[orchestrator] run %s: %d nodes, %d initially ready", rs.runID, o.graph.Len(), len(ready))
	return o.loop(ctx, rs, ready)
}

// runState is owned by the loop goroutine.
type runState struct {
	runID     string
	tracker   *graph.ReadyTracker
	outcomes  map[string]*NodeOutcome
	outputs   map[string]string
	completed []string
	usage     models.TokenUsage
	firstErr  error
	firstNode string
}

func (r *runState) recordFailure(id string, err error) {
	if r.firstErr == nil {
		r.firstErr = err
		r.firstNode = id
	}
}

func (o *Orchestrator) prepare(cp *Checkpoint) (*runState, []string, error) {
	runID := o.opts.runID
	if cp != nil && cp.RunID != "" {
		runID = cp.RunID
	}
	if runID == "" {
		runID = uuid.New().String()[:8]
	}

	rs := &runState{
		runID:    runID,
		tracker:  o.graph.NewReadyTracker(nil),
		outcomes: make(map[string]*NodeOutcome, o.graph.Len()),
		outputs:  make(map[string]string),
	}
	rs.tracker.SetDebugLog(debugLog)

	if cp == nil {
		ready := rs.tracker.SeedInitialReady()
		for _, id := range ready {
			o.emit(rs, Event{Type: EventNodeReady, NodeID: id})
		}
		return rs, ready, nil
	}

	if err := cp.Validate(o.graph); err != nil {
		return nil, nil, err
	}
	if err := rs.tracker.RestoreFrom(cp.Remaining, cp.Completed...); err != nil {
		return nil, nil, fmt.Errorf("restore checkpoint %s: %w", cp.RunID, err)
	}
	if o.opts.budget != nil && cp.Budget != nil {
		o.opts.budget.Restore(*cp.Budget)
	}
	for _, id := range cp.Completed {
		rs.outcomes[id] = &NodeOutcome{ID: id, Status: models.NodeStatusDone, Output: cp.Outputs[id]}
		rs.outputs[id] = cp.Outputs[id]
		rs.completed = append(rs.completed, id)
	}
	for _, id := range cp.Failed {
		err := fmt.Errorf("node %s failed before checkpoint", id)
		rs.outcomes[id] = &NodeOutcome{ID: id, Status: models.NodeStatusFailed, Err: err}
		rs.recordFailure(id, err)
		o.block(rs, id)
	}

	var ready []string
	for _, id := range o.graph.IDs() {
		if n, _ := rs.tracker.Remaining(id); n == 0 && rs.outcomes[id] == nil {
			ready = append(ready, id)
			o.emit(rs, Event{Type: EventNodeReady, NodeID: id, Message: "requeued from checkpoint"})
		}
	}
	return rs, ready, nil
}

func (o *Orchestrator) emit(rs *runState, ev Event) {
	ev.RunID = rs.runID
	o.emitter.Emit(ev)
}

// block marks every not-yet-finished descendant of cause as blocked.
func (o *Orchestrator) block(rs *runState, cause string) {
	for _, id := range o.graph.Descendants(cause) {
		if rs.outcomes[id] != nil {
			continue
		}
		rs.outcomes[id] = &NodeOutcome{ID: id, Status: models.NodeStatusBlocked, Cause: cause}
		o.emit(rs, Event{Type: EventNodeBlocked, NodeID: id, Cause: cause})
	}
}

func (o *Orchestrator) newRequest(runID, nodeID string, spec models.AgentSpec, prompt string) *agent.Request {
	req := agent.NewRequest(nodeID, spec)
	req.RunID = runID
	req.Prompt = prompt
	req.InvokeTool = o.opts.invokeTool
	if o.opts.registry != nil {
		req.Subagents = o.opts.registry.Scope(nodeID, 0, o.opts.maxDepth)
	}
	return req
}

func (o *Orchestrator) result(rs *runState, started time.Time) *RunResult {
	res := &RunResult{
		RunID:     rs.runID,
		Nodes:     make(map[string]NodeOutcome, len(rs.outcomes)),
		Completed: append([]string(nil), rs.completed...),
		Usage:     rs.usage,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	for id, oc := range rs.outcomes {
		res.Nodes[id] = *oc
	}
	res.DroppedEvents = o.emitter.DroppedCount()
	return res
}
