package middleware

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// RetryDecision represents the decision after evaluating a failure.
type RetryDecision int

const (
	// Retry indicates the step should run again.
	Retry RetryDecision = iota
	// Escalate indicates attempts are exhausted and a human should look.
	Escalate
	// Abort indicates the failure is not retryable.
	Abort
)

// String returns a human-readable representation of the retry decision.
func (d RetryDecision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Escalate:
		return "escalate"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// EscalationContext contains everything known about a step that
// exhausted its retries.
type EscalationContext struct {
	// NodeID is the node whose step failed.
	NodeID string
	// Stage and Tool identify the step.
	Stage Stage
	Tool  string
	// Attempts is the total number of attempts made.
	Attempts int
	// Errors is every error message seen, oldest first.
	Errors []string
	// EscalatedAt is when the escalation occurred.
	EscalatedAt time.Time
}

// RetryPolicy retries failed agent and tool steps with exponential
// backoff. Hook errors and context cancellation are never retried.
type RetryPolicy struct {
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	priority    int
	retryable   func(error) bool
	onEscalate  func(EscalationContext)
	// errors maps a step key to the error messages seen for it.
	errors map[string][]string
	mu     sync.RWMutex
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithRetryPriority overrides the default priority.
func WithRetryPriority(p int) RetryOption {
	return func(r *RetryPolicy) { r.priority = p }
}

// WithRetryable sets the predicate deciding whether an error is retryable.
func WithRetryable(fn func(error) bool) RetryOption {
	return func(r *RetryPolicy) { r.retryable = fn }
}

// WithMaxBackoff caps the backoff delay.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(r *RetryPolicy) { r.maxBackoff = d }
}

// OnEscalate registers a callback invoked when attempts are exhausted.
func OnEscalate(fn func(EscalationContext)) RetryOption {
	return func(r *RetryPolicy) { r.onEscalate = fn }
}

// NewRetry creates a RetryPolicy allowing maxAttempts executions per step
// (the first try included) with backoff doubling from backoff.
func NewRetry(maxAttempts int, backoff time.Duration, opts ...RetryOption) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &RetryPolicy{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		maxBackoff:  30 * time.Second,
		priority:    90,
		retryable:   func(error) bool { return true },
		errors:      make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Middleware.
func (r *RetryPolicy) Name() string { return "retry" }

// Priority implements Middleware.
func (r *RetryPolicy) Priority() int { return r.priority }

// MaxAttempts returns the configured attempt limit.
func (r *RetryPolicy) MaxAttempts() int { return r.maxAttempts }

// Decide classifies a failure.
func (r *RetryPolicy) Decide(ev ErrorEvent) RetryDecision {
	if ev.Hook != "" || errors.Is(ev.Err, context.Canceled) || errors.Is(ev.Err, context.DeadlineExceeded) {
		return Abort
	}
	if !r.retryable(ev.Err) {
		return Abort
	}
	if ev.Attempt >= r.maxAttempts {
		return Escalate
	}
	return Retry
}

// OnError implements ErrorHook.
func (r *RetryPolicy) OnError(ctx context.Context, ev ErrorEvent) Recovery {
	if ev.Hook != "" {
		return Recovery{}
	}
	key := stepKey(ev)

	r.mu.Lock()
	r.errors[key] = append(r.errors[key], ev.Err.Error())
	r.mu.Unlock()

	switch r.Decide(ev) {
	case Retry:
		delay := r.delay(ev.Attempt)
		log.Printf("[retry] %s: attempt %d failed, retrying in %s: %v", key, ev.Attempt, delay, ev.Err)
		return Recovery{Retry: true, Delay: delay}
	case Escalate:
		esc := r.escalate(key, ev)
		log.Printf("[retry] %s: max attempts (%d) reached, escalating", key, esc.Attempts)
		if r.onEscalate != nil {
			r.onEscalate(esc)
		}
	default:
		r.Reset(key)
	}
	return Recovery{}
}

// AfterAgent clears error history for a node once it succeeds.
func (r *RetryPolicy) AfterAgent(ctx context.Context, call *AgentCall, result *models.AgentResult) (*models.AgentResult, error) {
	r.Reset(stepKey(ErrorEvent{Stage: StageAgent, NodeID: call.NodeID}))
	return result, nil
}

func (r *RetryPolicy) delay(attempt int) time.Duration {
	d := r.backoff
	for i := 1; i < attempt && d < r.maxBackoff; i++ {
		d *= 2
	}
	if r.maxBackoff > 0 && d > r.maxBackoff {
		d = r.maxBackoff
	}
	return d
}

func (r *RetryPolicy) escalate(key string, ev ErrorEvent) EscalationContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := make([]string, len(r.errors[key]))
	copy(errs, r.errors[key])
	delete(r.errors, key)

	return EscalationContext{
		NodeID:      ev.NodeID,
		Stage:       ev.Stage,
		Tool:        ev.Tool,
		Attempts:    ev.Attempt,
		Errors:      errs,
		EscalatedAt: time.Now(),
	}
}

// Reset clears the error history for a step key.
func (r *RetryPolicy) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.errors, key)
}

// Errors returns the error history recorded for a step key.
func (r *RetryPolicy) Errors(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := make([]string, len(r.errors[key]))
	copy(errs, r.errors[key])
	return errs
}

// stepKey identifies a step for error bookkeeping: "node" for agent
// steps and "node/tool" for tool steps.
func stepKey(ev ErrorEvent) string {
	if ev.Stage == StageTool {
		return ev.NodeID + "/" + ev.Tool
	}
	return ev.NodeID
}
