package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestRetryDecisionString(t *testing.T) {
	tests := []struct {
		d    RetryDecision
		want string
	}{
		{Retry, "retry"},
		{Escalate, "escalate"},
		{Abort, "abort"},
		{RetryDecision(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	transient := errors.New("transient")
	permanent := errors.New("permanent")
	r := NewRetry(3, 0, WithRetryable(func(err error) bool { return !errors.Is(err, permanent) }))

	tests := []struct {
		name string
		ev   ErrorEvent
		want RetryDecision
	}{
		{"first failure", ErrorEvent{Attempt: 1, Err: transient}, Retry},
		{"second failure", ErrorEvent{Attempt: 2, Err: transient}, Retry},
		{"exhausted", ErrorEvent{Attempt: 3, Err: transient}, Escalate},
		{"not retryable", ErrorEvent{Attempt: 1, Err: permanent}, Abort},
		{"cancelled", ErrorEvent{Attempt: 1, Err: context.Canceled}, Abort},
		{"hook error", ErrorEvent{Attempt: 1, Err: transient, Hook: "BeforeAgent"}, Abort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Decide(tt.ev); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryPolicySuppressesTransientFailure(t *testing.T) {
	var escalated []EscalationContext
	r := NewRetry(3, time.Millisecond, OnEscalate(func(e EscalationContext) { escalated = append(escalated, e) }))
	c := newChain(t, r)

	attempts := 0
	res, err := c.RunAgent(context.Background(), &AgentCall{NodeID: "n"}, func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("rate limited")
		}
		return &models.AgentResult{Text: "ok"}, nil
	})
	if err != nil || res.Text != "ok" {
		t.Fatalf("expected recovery, got %v, %v", res, err)
	}
	if len(r.Errors("n")) != 0 {
		t.Errorf("expected error history cleared after success, got %v", r.Errors("n"))
	}
	if len(escalated) != 0 {
		t.Errorf("unexpected escalation: %+v", escalated)
	}
}

func TestRetryPolicyEscalatesAfterMaxAttempts(t *testing.T) {
	var escalated []EscalationContext
	r := NewRetry(2, 0, OnEscalate(func(e EscalationContext) { escalated = append(escalated, e) }))
	c := newChain(t, r)

	attempts := 0
	_, err := c.RunAgent(context.Background(), &AgentCall{NodeID: "n"}, func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		attempts++
		return nil, errors.New("down")
	})
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if len(escalated) != 1 || escalated[0].Attempts != 2 || len(escalated[0].Errors) != 2 {
		t.Errorf("unexpected escalation: %+v", escalated)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	r := NewRetry(10, 100*time.Millisecond, WithMaxBackoff(time.Second))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		if got := r.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestCacheShortCircuits(t *testing.T) {
	cache := NewCache(0)
	c := newChain(t, cache)

	calls := 0
	step := func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		calls++
		return &models.AgentResult{Text: "answer", Usage: models.TokenUsage{Input: 10, Output: 5}}, nil
	}

	first, err := c.RunAgent(context.Background(), &AgentCall{NodeID: "a", Prompt: "q"}, step)
	if err != nil || first.Cached {
		t.Fatalf("expected fresh result, got %+v, %v", first, err)
	}
	second, err := c.RunAgent(context.Background(), &AgentCall{NodeID: "b", Prompt: "q"}, step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one underlying call, got %d", calls)
	}
	if !second.Cached || second.Text != "answer" {
		t.Errorf("expected cached answer, got %+v", second)
	}

	if _, err := c.RunAgent(context.Background(), &AgentCall{NodeID: "c", Prompt: "other"}, step); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a different prompt to miss, got %d calls", calls)
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.Entries != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCacheTTL(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	c := newChain(t, cache)

	calls := 0
	step := func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		calls++
		return &models.AgentResult{Text: "x"}, nil
	}
	_, _ = c.RunAgent(context.Background(), &AgentCall{Prompt: "q"}, step)
	now = now.Add(2 * time.Minute)
	_, _ = c.RunAgent(context.Background(), &AgentCall{Prompt: "q"}, step)
	if calls != 2 {
		t.Errorf("expected expired entry to miss, got %d calls", calls)
	}
}

func TestCacheKeyDependsOnEffectiveFields(t *testing.T) {
	cache := NewCache(0)
	base := &AgentCall{Prompt: "p", Instructions: "i", Tools: []string{"t"}}
	variants := []*AgentCall{
		{Prompt: "p2", Instructions: "i", Tools: []string{"t"}},
		{Prompt: "p", Instructions: "i2", Tools: []string{"t"}},
		{Prompt: "p", Instructions: "i", Tools: []string{"t", "u"}},
		{Prompt: "p", Instructions: "i", Tools: []string{"t"}, Spec: models.AgentSpec{Model: "other"}},
	}
	for i, v := range variants {
		if cache.Key(v) == cache.Key(base) {
			t.Errorf("variant %d shares a key with base", i)
		}
	}
}

func TestApprovalGate(t *testing.T) {
	var mu sync.Mutex
	asked := 0
	approver := ApproverFunc(func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		asked++
		if strings.Contains(string(req.Args), "rm") {
			return ApprovalResponse{ID: req.ID, Approved: false, Reason: "destructive"}, nil
		}
		return ApprovalResponse{ID: req.ID, Approved: true, Remember: true}, nil
	})
	gate := NewApproval(approver, "shell")
	c := newChain(t, gate)

	step := func(ctx context.Context, call *ToolCall) (models.ToolResult, error) {
		return models.ToolResult{Content: "ran"}, nil
	}

	res, err := c.RunTool(context.Background(), &ToolCall{Name: "search"}, step)
	if err != nil || res.Content != "ran" || asked != 0 {
		t.Fatalf("ungated tool should pass without asking: %+v %v asked=%d", res, err, asked)
	}

	res, err = c.RunTool(context.Background(), &ToolCall{Name: "shell", Args: json.RawMessage(`"rm -rf"`)}, step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "destructive") {
		t.Errorf("expected rejection result, got %+v", res)
	}

	ls := &ToolCall{Name: "shell", Args: json.RawMessage(`"ls"`)}
	for i := 0; i < 2; i++ {
		res, err = c.RunTool(context.Background(), ls, step)
		if err != nil || res.Content != "ran" {
			t.Fatalf("expected approved tool to run: %+v %v", res, err)
		}
	}
	if asked != 2 {
		t.Errorf("expected remembered approval to skip asking, asked %d times", asked)
	}

	gate.Expire()
	_, _ = c.RunTool(context.Background(), ls, step)
	if asked != 3 {
		t.Errorf("expected expiry to force re-approval, asked %d times", asked)
	}
}

func TestApprovalGated(t *testing.T) {
	tests := []struct {
		name  string
		tools []string
		tool  string
		want  bool
	}{
		{"listed", []string{"bash", "write_file"}, "bash", true},
		{"unlisted", []string{"bash"}, "read_file", false},
		{"wildcard", []string{"*"}, "read_file", true},
		{"none", nil, "bash", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewApproval(AutoApprove, tt.tools...).Gated(tt.tool); got != tt.want {
				t.Errorf("Gated(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestChannelApprover(t *testing.T) {
	ca := NewChannelApprover()
	gate := NewApproval(ca, "deploy")
	c := newChain(t, gate)

	go func() {
		req := <-ca.RequestCh()
		ca.SubmitResponse(ApprovalResponse{ID: req.ID, Approved: true})
	}()

	done := make(chan models.ToolResult, 1)
	go func() {
		res, _ := c.RunTool(context.Background(), &ToolCall{NodeID: "n", Name: "deploy"}, func(ctx context.Context, call *ToolCall) (models.ToolResult, error) {
			return models.ToolResult{Content: "deployed"}, nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.Content != "deployed" {
			t.Errorf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval round trip")
	}
}

func TestChannelApproverContextCancel(t *testing.T) {
	ca := NewChannelApprover()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ca.Approve(ctx, ApprovalRequest{ID: "x"}); err == nil {
		// The buffered request channel may accept the send; the wait must still fail.
		t.Error("expected context error")
	}
	if ca.HasPending("x") {
		t.Error("expected pending request cleaned up")
	}
}

type memorySink struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (m *memorySink) RecordAudit(ctx context.Context, rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *memorySink) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		out = append(out, r.Event)
	}
	return out
}

func TestAuditRecordsEveryStep(t *testing.T) {
	sink := &memorySink{}
	c := newChain(t, NewAudit(sink))

	_, err := c.RunAgent(context.Background(), &AgentCall{NodeID: "n", RunID: "r"}, func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		if _, err := c.RunTool(ctx, &ToolCall{NodeID: "n", RunID: "r", Name: "t"}, func(ctx context.Context, call *ToolCall) (models.ToolResult, error) {
			return models.ToolResult{Content: "tool out"}, nil
		}); err != nil {
			return nil, err
		}
		return &models.AgentResult{Text: "done", Usage: models.TokenUsage{Input: 3, Output: 4}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"agent_start", "tool_start", "tool_end", "agent_end"}
	if got := sink.events(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected audit events: %v", got)
	}
	last := sink.records[len(sink.records)-1]
	if last.Tokens != 7 || last.RunID != "r" {
		t.Errorf("unexpected final record: %+v", last)
	}

	_, _ = c.RunAgent(context.Background(), &AgentCall{NodeID: "m"}, func(ctx context.Context, call *AgentCall) (*models.AgentResult, error) {
		return nil, errors.New("bad")
	})
	if got := sink.events(); got[len(got)-1] != "error" {
		t.Errorf("expected error record, got %v", got)
	}
}

func TestAuditSinkFailureDoesNotFailStep(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	c := newChain(t, NewAudit(sink))
	res, err := c.RunAgent(context.Background(), &AgentCall{}, okStep("fine"))
	if err != nil || !strings.HasPrefix(res.Text, "fine") {
		t.Errorf("expected success despite sink failure, got %v, %v", res, err)
	}
}

func TestLoggingWritesLines(t *testing.T) {
	var lines []string
	c := newChain(t, NewLogging(func(format string, args ...interface{}) {
		lines = append(lines, format)
	}))
	_, _ = c.RunAgent(context.Background(), &AgentCall{}, okStep("x"))
	if len(lines) != 2 {
		t.Errorf("expected start and done lines, got %v", lines)
	}
}
