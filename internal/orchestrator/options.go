package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/middleware"
	"github.com/ShayCichocki/conductor/internal/subagent"
)

// Defaults for an Orchestrator.
const (
	DefaultMaxParallel = 4
	DefaultEventBuffer = 100
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Graph is the compiled graph to execute.
	Graph *graph.Graph
	// Executor runs a single agent invocation.
	Executor agent.Executor
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	budget       *budget.Controller
	chain        *middleware.Chain
	registry     *subagent.Registry
	maxParallel  int
	maxDepth     int
	nodeTimeout  time.Duration
	logger       *DebugLogger
	checkpointer Checkpointer
	runID        string
	selector     ForkSelector
	pauseCtrl    *PauseController
	eventBuffer  int
	invokeTool   agent.ToolInvoker
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		maxParallel: DefaultMaxParallel,
		eventBuffer: DefaultEventBuffer,
		selector:    FirstSuccess,
	}
}

// WithBudget sets the token budget every node must be admitted by.
// Without one, every node is admitted immediately.
func WithBudget(b *budget.Controller) Option {
	return func(o *orchestratorOptions) { o.budget = b }
}

// WithChain sets the middleware chain wrapped around every agent call.
func WithChain(c *middleware.Chain) Option {
	return func(o *orchestratorOptions) { o.chain = c }
}

// WithRegistry sets the subagent registry nodes dispatch child work to.
func WithRegistry(r *subagent.Registry) Option {
	return func(o *orchestratorOptions) { o.registry = r }
}

// WithMaxParallel sets the maximum number of nodes running at once.
func WithMaxParallel(n int) Option {
	return func(o *orchestratorOptions) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithMaxDepth sets the subagent nesting limit for nodes. Zero uses the
// registry's own limit.
func WithMaxDepth(n int) Option {
	return func(o *orchestratorOptions) { o.maxDepth = n }
}

// WithNodeTimeout bounds each node's execution. Zero means no bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.nodeTimeout = d }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithCheckpointer sets where a checkpoint is saved after every completion.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *orchestratorOptions) { o.checkpointer = c }
}

// WithRunID sets the run id. By default a random id is generated.
func WithRunID(id string) Option {
	return func(o *orchestratorOptions) { o.runID = id }
}

// WithForkSelector sets how a fork's variant results are reduced to one.
func WithForkSelector(s ForkSelector) Option {
	return func(o *orchestratorOptions) {
		if s != nil {
			o.selector = s
		}
	}
}

// WithPauseController sets a caller-owned pause controller.
func WithPauseController(p *PauseController) Option {
	return func(o *orchestratorOptions) { o.pauseCtrl = p }
}

// WithEventBuffer sets the events channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) {
		if n >= 0 {
			o.eventBuffer = n
		}
	}
}

// WithToolInvoker sets the tool runner offered to every node.
func WithToolInvoker(fn agent.ToolInvoker) Option {
	return func(o *orchestratorOptions) { o.invokeTool = fn }
}
