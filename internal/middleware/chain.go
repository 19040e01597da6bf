package middleware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// DefaultMaxAttempts bounds how many times the chain re-runs one step on
// behalf of OnError hooks asking to retry.
const DefaultMaxAttempts = 10

// AgentStep performs the agent call wrapped by RunAgent.
type AgentStep func(ctx context.Context, call *AgentCall) (*models.AgentResult, error)

// ToolStep performs the tool call wrapped by RunTool.
type ToolStep func(ctx context.Context, call *ToolCall) (models.ToolResult, error)

type entry struct {
	mw   Middleware
	seq  int
	caps capability
}

// Chain holds registered middleware sorted by priority. Registration is
// safe for concurrent use with running calls; each call uses the ordering
// in effect when it started.
type Chain struct {
	mu sync.RWMutex
	// entries is kept sorted ascending by priority, then registration order.
	entries     []entry
	names       map[string]bool
	seq         int
	maxAttempts int
	debugLog    func(format string, args ...interface{})
}

// NewChain creates a chain and registers mws in order.
func NewChain(mws ...Middleware) (*Chain, error) {
	c := &Chain{
		names:       make(map[string]bool),
		maxAttempts: DefaultMaxAttempts,
		debugLog:    func(format string, args ...interface{}) {},
	}
	for _, mw := range mws {
		if err := c.Use(mw); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetDebugLog sets the debug logging function.
func (c *Chain) SetDebugLog(fn func(format string, args ...interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil {
		c.debugLog = fn
	}
}

// SetMaxAttempts bounds retries requested through OnError.
func (c *Chain) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAttempts = n
}

// Use registers mw.
func (c *Chain) Use(mw Middleware) error {
	if mw == nil || mw.Name() == "" {
		return ErrInvalidMiddleware
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := mw.Name()
	if c.names[name] {
		return fmt.Errorf("%w: %s", ErrDuplicateMiddleware, name)
	}
	c.names[name] = true
	c.seq++

	// Copy so calls holding the previous slice keep a stable view.
	entries := make([]entry, len(c.entries), len(c.entries)+1)
	copy(entries, c.entries)
	entries = append(entries, entry{mw: mw, seq: c.seq, caps: detect(mw)})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mw.Priority() != entries[j].mw.Priority() {
			return entries[i].mw.Priority() < entries[j].mw.Priority()
		}
		return entries[i].seq < entries[j].seq
	})
	c.entries = entries
	c.debugLog("[middleware] registered %s priority=%d", name, mw.Priority())
	return nil
}

// Remove unregisters the named middleware and reports whether it was found.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.names[name] {
		return false
	}
	delete(c.names, name)
	entries := make([]entry, 0, len(c.entries)-1)
	for _, e := range c.entries {
		if e.mw.Name() != name {
			entries = append(entries, e)
		}
	}
	c.entries = entries
	return true
}

// Names returns registered names in before-hook order.
func (c *Chain) Names() []string {
	entries := c.snapshot()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.mw.Name()
	}
	return out
}

// Len returns the number of registered middleware.
func (c *Chain) Len() int {
	return len(c.snapshot())
}

func (c *Chain) snapshot() []entry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}

func (c *Chain) settings() (int, func(string, ...interface{})) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAttempts, c.debugLog
}

// Setup runs Setup hooks in registration order. If one fails, Teardown
// runs for those already set up, in reverse, and the error is returned.
func (c *Chain) Setup(ctx context.Context) error {
	entries := c.snapshot()
	for i, e := range entries {
		if !e.caps.has(capSetup) {
			continue
		}
		if err := e.mw.(SetupHook).Setup(ctx); err != nil {
			_ = teardown(ctx, entries[:i])
			return &HookError{Middleware: e.mw.Name(), Hook: "Setup", Err: err}
		}
	}
	return nil
}

// Teardown runs Teardown hooks in reverse order. Every hook runs; the
// returned error joins all failures.
func (c *Chain) Teardown(ctx context.Context) error {
	return teardown(ctx, c.snapshot())
}

func teardown(ctx context.Context, entries []entry) error {
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.caps.has(capTeardown) {
			continue
		}
		if err := e.mw.(TeardownHook).Teardown(ctx); err != nil {
			errs = append(errs, &HookError{Middleware: e.mw.Name(), Hook: "Teardown", Err: err})
		}
	}
	return errors.Join(errs...)
}

// RunAgent runs call through the chain around step.
func (c *Chain) RunAgent(ctx context.Context, call *AgentCall, step AgentStep) (*models.AgentResult, error) {
	entries := c.snapshot()
	maxAttempts, debugLog := c.settings()
	if call.Values == nil {
		call.Values = make(map[string]string)
	}

	for _, e := range entries {
		if !e.caps.has(capBeforeAgent) {
			continue
		}
		v, err := e.mw.(BeforeAgentHook).BeforeAgent(ctx, call)
		if err != nil {
			return c.recoverAgent(ctx, entries, ErrorEvent{
				Stage: StageAgent, NodeID: call.NodeID, Hook: "BeforeAgent", Middleware: e.mw.Name(),
				Attempt: 1, Err: &HookError{Middleware: e.mw.Name(), Hook: "BeforeAgent", Err: err}, Call: call,
			})
		}
		if v.Abort {
			debugLog("[middleware] %s aborted agent call for %s: %s", e.mw.Name(), call.NodeID, v.Reason)
			if v.Result == nil {
				return &models.AgentResult{}, nil
			}
			return v.Result, nil
		}
	}

	var result *models.AgentResult
	for attempt := 1; ; attempt++ {
		res, err := step(ctx, call)
		if err == nil {
			result = res
			if result == nil {
				result = &models.AgentResult{}
			}
			break
		}

		ev := ErrorEvent{Stage: StageAgent, NodeID: call.NodeID, Attempt: attempt, Err: err, Call: call}
		rec := notify(ctx, entries, ev)
		if rec.Retry && attempt < maxAttempts && ctx.Err() == nil {
			debugLog("[middleware] retrying agent call for %s (attempt %d): %v", call.NodeID, attempt+1, err)
			if werr := sleep(ctx, rec.Delay); werr != nil {
				return nil, err
			}
			continue
		}
		if rec.Suppress {
			return fallbackAgent(rec), nil
		}
		return nil, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.caps.has(capAfterAgent) {
			continue
		}
		res, err := e.mw.(AfterAgentHook).AfterAgent(ctx, call, result)
		if err != nil {
			return c.recoverAgent(ctx, entries, ErrorEvent{
				Stage: StageAgent, NodeID: call.NodeID, Hook: "AfterAgent", Middleware: e.mw.Name(),
				Attempt: 1, Err: &HookError{Middleware: e.mw.Name(), Hook: "AfterAgent", Err: err}, Call: call,
			})
		}
		if res != nil {
			result = res
		}
	}
	return result, nil
}

// recoverAgent handles a hook error: only suppression applies.
func (c *Chain) recoverAgent(ctx context.Context, entries []entry, ev ErrorEvent) (*models.AgentResult, error) {
	if rec := notify(ctx, entries, ev); rec.Suppress {
		return fallbackAgent(rec), nil
	}
	return nil, ev.Err
}

// RunTool runs call through the chain around step.
func (c *Chain) RunTool(ctx context.Context, call *ToolCall, step ToolStep) (models.ToolResult, error) {
	entries := c.snapshot()
	maxAttempts, debugLog := c.settings()

	for _, e := range entries {
		if !e.caps.has(capBeforeTool) {
			continue
		}
		v, err := e.mw.(BeforeToolHook).BeforeTool(ctx, call)
		if err != nil {
			return c.recoverTool(ctx, entries, ErrorEvent{
				Stage: StageTool, NodeID: call.NodeID, Tool: call.Name, Hook: "BeforeTool", Middleware: e.mw.Name(),
				Attempt: 1, Err: &HookError{Middleware: e.mw.Name(), Hook: "BeforeTool", Err: err}, ToolCall: call,
			})
		}
		if v.Skip {
			debugLog("[middleware] %s skipped tool %s for %s: %s", e.mw.Name(), call.Name, call.NodeID, v.Reason)
			if v.MockResult == nil {
				return models.ToolResult{}, nil
			}
			return *v.MockResult, nil
		}
	}

	var result models.ToolResult
	for attempt := 1; ; attempt++ {
		res, err := step(ctx, call)
		if err == nil {
			result = res
			break
		}

		ev := ErrorEvent{Stage: StageTool, NodeID: call.NodeID, Tool: call.Name, Attempt: attempt, Err: err, ToolCall: call}
		rec := notify(ctx, entries, ev)
		if rec.Retry && attempt < maxAttempts && ctx.Err() == nil {
			debugLog("[middleware] retrying tool %s for %s (attempt %d): %v", call.Name, call.NodeID, attempt+1, err)
			if werr := sleep(ctx, rec.Delay); werr != nil {
				return models.ToolResult{}, err
			}
			continue
		}
		if rec.Suppress {
			return fallbackTool(rec), nil
		}
		return models.ToolResult{}, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.caps.has(capAfterTool) {
			continue
		}
		res, err := e.mw.(AfterToolHook).AfterTool(ctx, call, result)
		if err != nil {
			return c.recoverTool(ctx, entries, ErrorEvent{
				Stage: StageTool, NodeID: call.NodeID, Tool: call.Name, Hook: "AfterTool", Middleware: e.mw.Name(),
				Attempt: 1, Err: &HookError{Middleware: e.mw.Name(), Hook: "AfterTool", Err: err}, ToolCall: call,
			})
		}
		result = res
	}
	return result, nil
}

func (c *Chain) recoverTool(ctx context.Context, entries []entry, ev ErrorEvent) (models.ToolResult, error) {
	if rec := notify(ctx, entries, ev); rec.Suppress {
		return fallbackTool(rec), nil
	}
	return models.ToolResult{}, ev.Err
}

// notify calls OnError hooks in after order. The first decisive recovery
// wins; later hooks still observe the event.
func notify(ctx context.Context, entries []entry, ev ErrorEvent) Recovery {
	var decision Recovery
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.caps.has(capOnError) {
			continue
		}
		rec := e.mw.(ErrorHook).OnError(ctx, ev)
		if !decision.decided() && rec.decided() {
			if ev.Hook != "" {
				rec.Retry = false
				if !rec.Suppress {
					continue
				}
			}
			decision = rec
		}
	}
	return decision
}

func fallbackAgent(rec Recovery) *models.AgentResult {
	if rec.Fallback == nil {
		return &models.AgentResult{}
	}
	return rec.Fallback
}

func fallbackTool(rec Recovery) models.ToolResult {
	if rec.ToolFallback == nil {
		return models.ToolResult{}
	}
	return *rec.ToolFallback
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
