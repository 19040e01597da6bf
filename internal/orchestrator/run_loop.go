package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// completion is a worker's report for one node.
type completion struct {
	id      string
	result  *models.AgentResult
	variant int
	usage   models.TokenUsage
	err     error
	ended   time.Time
}

// depOutput is an upstream node's output handed to a dependent's prompt.
type depOutput struct {
	id     string
	output string
}

// loop dispatches ready nodes to a bounded pool and processes completions
// serially. It returns once nothing is queued or in flight.
func (o *Orchestrator) loop(ctx context.Context, rs *runState, ready []string) (*RunResult, error) {
	started := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := append([]string(nil), ready...)
	// deferred holds nodes denied while others were in flight. A release
	// may free enough reservation for them.
	var deferred []string
	inflight := 0
	done := make(chan completion, o.graph.Len())
	var haltErr error

	for {
		for haltErr == nil && len(queue) > 0 && inflight < o.opts.maxParallel {
			if err := o.pauseCtrl.WaitIfPaused(runCtx); err != nil {
				haltErr = err
				break
			}
			id := queue[0]
			queue = queue[1:]

			grant := o.admit(id)
			if !grant.Granted {
				if inflight > 0 {
					o.logger.Log("[loop] %s denied at ratio %.3f with %d in flight, deferring", id, grant.Ratio, inflight)
					deferred = append(deferred, id)
					continue
				}
				o.deny(rs, id, grant)
				continue
			}

			inflight++
			rs.outcomes[id] = &NodeOutcome{ID: id, Status: models.NodeStatusRunning, StartedAt: time.Now()}
			o.emit(rs, Event{Type: EventNodeStarted, NodeID: id, Ratio: grant.Ratio})
			deps := o.dependencyOutputs(rs, id)
			go func(id string, grant budget.Grant) {
				done <- o.execute(runCtx, rs.runID, id, grant, deps)
			}(id, grant)
		}

		if inflight == 0 {
			break
		}

		c := <-done
		inflight--
		queue = append(queue, o.complete(runCtx, rs, c)...)
		if len(deferred) > 0 {
			queue = append(deferred, queue...)
			deferred = nil
		}
	}

	if haltErr == nil && ctx.Err() != nil {
		haltErr = ctx.Err()
	}
	if haltErr != nil {
		for _, id := range o.graph.IDs() {
			if rs.outcomes[id] == nil {
				rs.outcomes[id] = &NodeOutcome{ID: id, Status: models.NodeStatusCancelled, Err: haltErr}
			}
		}
	}

	res := o.result(rs, started)
	o.emit(rs, Event{
		Type:    EventRunDone,
		Usage:   res.Usage,
		Message: fmt.Sprintf("%d/%d nodes done", len(res.Completed), o.graph.Len()),
		Error:   haltErr,
	})
	o.logger.Log("[orchestrator] run %s finished: %d/%d done in %s", rs.runID, len(res.Completed), o.graph.Len(), res.Duration)

	switch {
	case haltErr != nil:
		return res, fmt.Errorf("run %s: %w", rs.runID, haltErr)
	case rs.firstErr != nil:
		return res, fmt.Errorf("%w: node %s: %w", ErrRunFailed, rs.firstNode, rs.firstErr)
	}
	return res, nil
}

func (o *Orchestrator) admit(id string) budget.Grant {
	if o.opts.budget == nil {
		return budget.Grant{Granted: true}
	}
	return o.opts.budget.Acquire(id)
}

func (o *Orchestrator) deny(rs *runState, id string, grant budget.Grant) {
	err := fmt.Errorf("%w: node %s at ratio %.3f", ErrBudgetDenied, id, grant.Ratio)
	rs.outcomes[id] = &NodeOutcome{ID: id, Status: models.NodeStatusDenied, Err: err}
	rs.recordFailure(id, err)
	o.emit(rs, Event{Type: EventNodeDenied, NodeID: id, Ratio: grant.Ratio, Error: err})
	o.logger.Log("[loop] %s denied at ratio %.3f with nothing in flight", id, grant.Ratio)
	o.block(rs, id)
}

// execute runs on a pool goroutine and must not touch runState.
func (o *Orchestrator) execute(ctx context.Context, runID, id string, grant budget.Grant, deps []depOutput) (c completion) {
	c.id = id
	defer func() { c.ended = time.Now() }()

	if grant.Delay > 0 {
		o.emitter.Emit(Event{Type: EventNodeThrottled, RunID: runID, NodeID: id, Delay: grant.Delay, Ratio: grant.Ratio})
		if err := budget.Wait(ctx, grant); err != nil {
			c.err = err
			return c
		}
	}

	if o.opts.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.nodeTimeout)
		defer cancel()
	}

	node, _ := o.graph.Node(id)
	prompt := func(spec models.AgentSpec) string {
		return withDependencyContext(spec.Prompt, deps)
	}

	if node.IsFork() {
		c.result, c.variant, c.usage, c.err = o.runFork(ctx, runID, id, node.Specs, prompt)
		return c
	}

	spec := node.Spec()
	c.result, c.err = o.exec.Execute(ctx, o.newRequest(runID, id, spec, prompt(spec)))
	if c.result != nil {
		c.usage = c.result.Usage
	}
	if c.err == nil && c.result == nil {
		c.result = &models.AgentResult{}
	}
	return c
}

// complete records a worker's report and returns newly ready nodes.
func (o *Orchestrator) complete(ctx context.Context, rs *runState, c completion) []string {
	if o.opts.budget != nil {
		if err := o.opts.budget.Release(c.id, c.usage); err != nil {
			log.Printf("[orchestrator] WARNING: %v", err)
		}
	}
	rs.usage = rs.usage.Add(c.usage)

	oc := rs.outcomes[c.id]
	oc.EndedAt = c.ended
	oc.Usage = c.usage
	oc.Variant = c.variant

	var ready []string
	switch {
	case c.err != nil && ctx.Err() != nil:
		oc.Status = models.NodeStatusCancelled
		oc.Err = c.err
		o.logger.Log("[loop] %s cancelled: %v", c.id, c.err)
	case c.err != nil:
		oc.Status = models.NodeStatusFailed
		oc.Err = c.err
		rs.recordFailure(c.id, c.err)
		o.emit(rs, Event{Type: EventNodeFailed, NodeID: c.id, Error: c.err, Usage: c.usage})
		o.logger.Log("[loop] %s failed: %v", c.id, c.err)
		o.block(rs, c.id)
	default:
		oc.Status = models.NodeStatusDone
		oc.Output = c.result.Text
		oc.Cached = c.result.Cached
		rs.outputs[c.id] = c.result.Text
		rs.completed = append(rs.completed, c.id)
		o.emit(rs, Event{Type: EventNodeCompleted, NodeID: c.id, Usage: c.usage})
		ready = rs.tracker.MarkCompleted(c.id)
		for _, id := range ready {
			o.emit(rs, Event{Type: EventNodeReady, NodeID: id})
		}
	}

	o.saveCheckpoint(ctx, rs)
	return ready
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, rs *runState) {
	if o.opts.checkpointer == nil {
		return
	}
	cp := rs.checkpoint(o.opts.budget)
	if err := o.opts.checkpointer.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		log.Printf("[orchestrator] WARNING: save checkpoint for run %s: %v", rs.runID, err)
	}
}

func (o *Orchestrator) dependencyOutputs(rs *runState, id string) []depOutput {
	deps := o.graph.Dependencies(id)
	out := make([]depOutput, 0, len(deps))
	for _, dep := range deps {
		out = append(out, depOutput{id: dep, output: rs.outputs[dep]})
	}
	return out
}

// withDependencyContext appends upstream outputs to prompt.
func withDependencyContext(prompt string, deps []depOutput) string {
	if len(deps) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	if prompt != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Context from dependencies\n")
	for _, d := range deps {
		fmt.Fprintf(&sb, "\n### %s\n%s\n", d.id, strings.TrimSpace(d.output))
	}
	return sb.String()
}
