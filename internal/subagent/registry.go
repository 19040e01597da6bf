// Package subagent runs asynchronously dispatched child agent work with a
// bounded pool, a nesting depth limit, and poll-or-await access to
// progress and results.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Defaults for a Registry.
const (
	DefaultMaxConcurrent = 4
	DefaultMaxDepth      = 3
	DefaultTimeout       = 5 * time.Minute
	maxIDAttempts        = 16

	// lateResultGrace is how long a task past its deadline waits for the
	// executor to report usage before finishing without it.
	lateResultGrace = 100 * time.Millisecond
)

// IDGenerator returns candidate task ids. Collisions are retried.
type IDGenerator func() string

// UUIDGenerator returns the first 8 characters of a random UUID.
func UUIDGenerator() string {
	return uuid.New().String()[:8]
}

// DispatchOptions controls a single dispatch.
type DispatchOptions struct {
	// CurrentDepth is the depth of the dispatching caller. Graph nodes are 0.
	CurrentDepth int
	// MaxDepth is the deepest allowed child. Zero uses the registry default.
	MaxDepth int
	// Timeout bounds execution. Zero uses the registry default.
	Timeout time.Duration
	// Prompt overrides the spec's prompt when non-empty.
	Prompt string
}

// HistoryStore archives finished tasks.
type HistoryStore interface {
	SaveSubagentTask(ctx context.Context, runID string, view models.SubagentView) error
}

// Event reports a task status change.
type Event struct {
	TaskID   string
	ParentID string
	Status   models.SubagentStatus
	At       time.Time
}

// Stats counts tasks by status.
type Stats struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
	TimedOut  int
	Cancelled int
}

// Total returns the number of tasks counted.
func (s Stats) Total() int {
	return s.Queued + s.Running + s.Completed + s.Failed + s.TimedOut + s.Cancelled
}

// Terminal returns the number of finished tasks.
func (s Stats) Terminal() int {
	return s.Completed + s.Failed + s.TimedOut + s.Cancelled
}

type task struct {
	id       string
	parentID string
	depth    int
	maxDepth int
	spec     models.AgentSpec
	prompt   string
	timeout  time.Duration

	status    models.SubagentStatus
	partial   strings.Builder
	result    Result
	usage     models.TokenUsage
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	holdsSlot bool
	reserved  bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConcurrent sets the pool size.
func WithMaxConcurrent(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithMaxDepth sets the default maximum depth.
func WithMaxDepth(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithDefaultTimeout sets the execution timeout used when a dispatch names none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithIDGenerator replaces the id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithBudget makes every task acquire from b before running.
func WithBudget(b *budget.Controller) Option {
	return func(r *Registry) { r.budget = b }
}

// WithHistory archives terminal tasks to store.
func WithHistory(store HistoryStore) Option {
	return func(r *Registry) { r.history = store }
}

// WithListener receives every status change outside the registry lock.
// The listener must not call back into the registry synchronously.
func WithListener(fn func(Event)) Option {
	return func(r *Registry) { r.listener = fn }
}

// WithRunID tags requests and archived tasks with a run id.
func WithRunID(id string) Option {
	return func(r *Registry) { r.runID = id }
}

// WithToolInvoker sets the tool runner offered to every task.
func WithToolInvoker(fn agent.ToolInvoker) Option {
	return func(r *Registry) { r.invokeTool = fn }
}

// Registry owns every subagent task it dispatched. All methods are safe
// for concurrent use.
type Registry struct {
	exec           agent.Executor
	maxConcurrent  int
	maxDepth       int
	defaultTimeout time.Duration
	newID          IDGenerator
	budget         *budget.Controller
	history        HistoryStore
	listener       func(Event)
	runID          string
	invokeTool     agent.ToolInvoker

	// ctx is the parent of every task context; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	queue   []*task
	running int
	closed  bool
	// pending holds events not yet delivered to the listener.
	pending []Event
	// notifyMu serializes delivery so the listener sees events in order.
	notifyMu sync.Mutex

	wg       sync.WaitGroup
	debugLog func(format string, args ...interface{})
}

// New creates a Registry running tasks on exec.
func New(exec agent.Executor, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		exec:           exec,
		maxConcurrent:  DefaultMaxConcurrent,
		maxDepth:       DefaultMaxDepth,
		defaultTimeout: DefaultTimeout,
		newID:          UUIDGenerator,
		ctx:            ctx,
		cancel:         cancel,
		tasks:          make(map[string]*task),
		debugLog:       func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDebugLog sets the debug logging function.
func (r *Registry) SetDebugLog(fn func(format string, args ...interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.debugLog = fn
	}
}

// MaxDepth returns the default maximum depth.
func (r *Registry) MaxDepth() int {
	return r.maxDepth
}

// Dispatch queues spec as a child of parentID and returns its id. The
// task starts as soon as a pool slot frees, in dispatch order. ctx only
// gates the dispatch itself; the task runs under the registry's lifetime.
func (r *Registry) Dispatch(ctx context.Context, parentID string, spec models.AgentSpec, opts DispatchOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = r.maxDepth
	}
	depth := opts.CurrentDepth + 1
	if depth > maxDepth {
		return "", &DepthExceededError{Depth: depth, MaxDepth: maxDepth}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = spec.Prompt
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	id, err := r.allocateID()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	t := &task{
		id:        id,
		parentID:  parentID,
		depth:     depth,
		maxDepth:  maxDepth,
		spec:      spec,
		prompt:    prompt,
		timeout:   timeout,
		status:    models.SubagentQueued,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.tasks[id] = t
	r.queue = append(r.queue, t)
	r.record(t)
	r.schedule()
	r.debugLog("[subagent] dispatched %s parent=%s depth=%d/%d", id, parentID, depth, maxDepth)
	r.mu.Unlock()

	r.flush()
	return id, nil
}

// allocateID must be called with lock held.
func (r *Registry) allocateID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := r.newID()
		if _, taken := r.tasks[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

// schedule starts queued tasks while slots are free. Must be called with
// lock held.
func (r *Registry) schedule() {
	for r.running < r.maxConcurrent && len(r.queue) > 0 {
		t := r.queue[0]
		r.queue = r.queue[1:]
		if t.status != models.SubagentQueued {
			continue
		}
		r.start(t)
		r.record(t)
	}
}

// start must be called with lock held.
func (r *Registry) start(t *task) {
	ctx, cancel := context.WithTimeout(r.ctx, t.timeout)
	t.cancel = cancel
	t.status = models.SubagentRunning
	t.startedAt = time.Now()
	t.holdsSlot = true
	r.running++

	r.wg.Add(1)
	go r.run(ctx, t)
}

type outcome struct {
	res *models.AgentResult
	err error
}

func (r *Registry) run(ctx context.Context, t *task) {
	defer r.wg.Done()
	defer t.cancel()

	if r.budget != nil {
		grant := r.budget.Acquire(t.id)
		if !grant.Granted {
			r.finish(t, Failed{Err: &BudgetDeniedError{ID: t.id, Ratio: grant.Ratio}}, models.TokenUsage{})
			return
		}
		r.mu.Lock()
		if t.status.IsTerminal() {
			r.mu.Unlock()
			_ = r.budget.Release(t.id, models.TokenUsage{})
			return
		}
		t.reserved = true
		r.mu.Unlock()
		if err := budget.Wait(ctx, grant); err != nil {
			r.finishFromContext(ctx, t, models.TokenUsage{})
			return
		}
	}

	req := agent.NewRequest(t.id, t.spec)
	req.RunID = r.runID
	req.Prompt = t.prompt
	req.Depth = t.depth
	req.InvokeTool = r.invokeTool
	req.OnPartial = func(chunk string) { r.appendPartial(t, chunk) }
	req.Subagents = r.Scope(t.id, t.depth, t.maxDepth)

	// The executor runs on its own goroutine so deadlines and
	// cancellation take effect even if it ignores ctx.
	outCh := make(chan outcome, 1)
	go func() {
		res, err := r.exec.Execute(ctx, req)
		outCh <- outcome{res: res, err: err}
	}()

	select {
	case out := <-outCh:
		if out.err != nil {
			if ctx.Err() != nil {
				r.finishFromContext(ctx, t, usageOf(out.res))
				return
			}
			r.finish(t, Failed{Err: out.err}, usageOf(out.res))
			return
		}
		text := ""
		if out.res != nil {
			text = out.res.Text
		}
		r.finish(t, Completed{Output: text}, usageOf(out.res))
	case <-ctx.Done():
		// Executors return what they spent alongside ctx.Err().
		var usage models.TokenUsage
		select {
		case out := <-outCh:
			usage = usageOf(out.res)
		case <-time.After(lateResultGrace):
			r.debugLog("[subagent] %s did not return within %s of its deadline", t.id, lateResultGrace)
		}
		r.finishFromContext(ctx, t, usage)
	}
}

func usageOf(res *models.AgentResult) models.TokenUsage {
	if res == nil {
		return models.TokenUsage{}
	}
	return res.Usage
}

// finishFromContext records a timeout or cancellation with whatever usage
// the executor reported. A task already cancelled through Cancel is left
// as is.
func (r *Registry) finishFromContext(ctx context.Context, t *task, usage models.TokenUsage) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.mu.Lock()
		partial := t.partial.String()
		r.mu.Unlock()
		r.finish(t, TimedOut{
			Partial: partial,
			Err:     fmt.Errorf("subagent %s timed out after %s: %w", t.id, t.timeout, context.DeadlineExceeded),
		}, usage)
		return
	}
	r.finish(t, Cancelled{Err: ErrCancelled}, usage)
}

func (r *Registry) appendPartial(t *task, chunk string) {
	r.mu.Lock()
	if t.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	t.partial.WriteString(chunk)
	if t.status != models.SubagentRunning {
		r.mu.Unlock()
		return
	}
	t.status = models.SubagentStreaming
	r.record(t)
	r.mu.Unlock()

	r.flush()
}

// finish moves t to a terminal status. Late results for a task that is
// already terminal are discarded.
func (r *Registry) finish(t *task, result Result, usage models.TokenUsage) {
	r.mu.Lock()
	view, reserved, ok := r.finishLocked(t, result, usage)
	r.mu.Unlock()
	if !ok {
		r.debugLog("[subagent] discarding late %s result for %s", result.Status(), t.id)
		return
	}
	r.afterFinish(view, reserved)
}

// finishLocked must be called with lock held.
func (r *Registry) finishLocked(t *task, result Result, usage models.TokenUsage) (models.SubagentView, bool, bool) {
	if t.status.IsTerminal() {
		return models.SubagentView{}, false, false
	}
	t.status = result.Status()
	t.result = result
	t.usage = usage
	t.endedAt = time.Now()
	if t.holdsSlot {
		t.holdsSlot = false
		r.running--
	}
	reserved := t.reserved
	t.reserved = false
	close(t.done)

	r.record(t)
	r.schedule()
	r.debugLog("[subagent] %s finished: %s", t.id, t.status)
	return r.view(t, 0), reserved, true
}

func (r *Registry) afterFinish(view models.SubagentView, reserved bool) {
	if reserved && r.budget != nil {
		if err := r.budget.Release(view.ID, view.Usage); err != nil {
			log.Printf("[subagent] budget release for %s: %v", view.ID, err)
		}
	}
	if r.history != nil {
		if err := r.history.SaveSubagentTask(context.Background(), r.runID, view); err != nil {
			log.Printf("[subagent] failed to archive %s: %v", view.ID, err)
		}
	}
	r.flush()
}

// record queues a status-change event. Must be called with lock held.
func (r *Registry) record(t *task) {
	if r.listener == nil {
		return
	}
	r.pending = append(r.pending, Event{TaskID: t.id, ParentID: t.parentID, Status: t.status, At: time.Now()})
}

// flush delivers pending events. Must be called without lock held.
func (r *Registry) flush() {
	if r.listener == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	events := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, ev := range events {
		r.listener(ev)
	}
}

// view must be called with lock held. A positive window keeps only the
// last window bytes of partial output.
func (r *Registry) view(t *task, window int) models.SubagentView {
	partial := t.partial.String()
	if window > 0 && len(partial) > window {
		partial = partial[len(partial)-window:]
	}
	v := models.SubagentView{
		ID:        t.id,
		ParentID:  t.parentID,
		Depth:     t.depth,
		Status:    t.status,
		Partial:   partial,
		Usage:     t.usage,
		CreatedAt: t.createdAt,
		StartedAt: t.startedAt,
		EndedAt:   t.endedAt,
	}
	if c, ok := t.result.(Completed); ok {
		v.Output = c.Output
	} else if err := errorOf(t.result); err != nil {
		v.Error = err.Error()
	}
	return v
}

// Poll returns a view of each id without blocking. Unknown ids are
// reported with status not_found.
func (r *Registry) Poll(ids []string, window int) []models.SubagentView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SubagentView, 0, len(ids))
	for _, id := range ids {
		t, ok := r.tasks[id]
		if !ok {
			out = append(out, models.SubagentView{ID: id, Status: models.SubagentNotFound})
			continue
		}
		out = append(out, r.view(t, window))
	}
	return out
}

// Result returns the terminal result of a task.
func (r *Registry) Result(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.result == nil {
		return nil, false
	}
	return t.result, true
}

// Await blocks until the task is terminal, ctx is done, or timeout
// elapses. A zero timeout waits on ctx alone. When the wait expires the
// task keeps running and AwaitTimeoutError is returned with its current
// view.
func (r *Registry) Await(ctx context.Context, id string, timeout time.Duration) (models.SubagentView, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return models.SubagentView{ID: id, Status: models.SubagentNotFound}, ErrTaskNotFound
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case <-t.done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-expired:
		err = &AwaitTimeoutError{ID: id, Timeout: timeout}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view(t, 0), err
}

// Cancel marks a queued or running task cancelled and cancels its
// context. The status change is immediate; the underlying call may keep
// running, and whatever it returns is discarded.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	cancel := t.cancel
	view, reserved, finished := r.finishLocked(t, Cancelled{Err: ErrCancelled}, t.usage)
	r.mu.Unlock()

	if !finished {
		return ErrTaskTerminal
	}
	if cancel != nil {
		cancel()
	}
	r.afterFinish(view, reserved)
	return nil
}

// Cleanup evicts terminal tasks and returns how many were removed. With
// no ids every terminal task is eligible. Non-terminal and unknown ids
// are skipped.
func (r *Registry) Cleanup(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	if len(ids) == 0 {
		for id, t := range r.tasks {
			if t.status.IsTerminal() {
				delete(r.tasks, id)
				removed++
			}
		}
		return removed
	}
	for _, id := range ids {
		if t, ok := r.tasks[id]; ok && t.status.IsTerminal() {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Descends reports whether task id was dispatched by ancestor, directly
// or through intermediate tasks still held by the registry.
func (r *Registry) Descends(id, ancestor string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hops := 0; hops <= len(r.tasks); hops++ {
		t, ok := r.tasks[id]
		if !ok {
			return false
		}
		if t.parentID == ancestor {
			return true
		}
		id = t.parentID
	}
	return false
}

// Children returns the ids of tasks dispatched by parentID, oldest first.
func (r *Registry) Children(parentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kids []*task
	for _, t := range r.tasks {
		if t.parentID == parentID {
			kids = append(kids, t)
		}
	}
	sortByCreated(kids)
	ids := make([]string, len(kids))
	for i, t := range kids {
		ids[i] = t.id
	}
	return ids
}

func sortByCreated(ts []*task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].createdAt.Before(ts[j-1].createdAt); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

// Stats counts tasks by status.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, t := range r.tasks {
		switch t.status {
		case models.SubagentQueued:
			s.Queued++
		case models.SubagentRunning, models.SubagentStreaming:
			s.Running++
		case models.SubagentCompleted:
			s.Completed++
		case models.SubagentFailed:
			s.Failed++
		case models.SubagentTimeout:
			s.TimedOut++
		case models.SubagentCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Count returns the number of tasks held.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Close cancels every unfinished task and waits for task goroutines to
// return. Further dispatches fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	type finished struct {
		view     models.SubagentView
		reserved bool
	}
	// Drop the queue first so finishing tasks cannot start new ones.
	r.queue = nil
	var done []finished
	for _, t := range r.tasks {
		if t.status.IsTerminal() {
			continue
		}
		view, reserved, ok := r.finishLocked(t, Cancelled{Err: ErrRegistryClosed}, t.usage)
		if ok {
			done = append(done, finished{view: view, reserved: reserved})
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, f := range done {
		r.afterFinish(f.view, f.reserved)
	}
	r.flush()
	r.wg.Wait()
	return nil
}
