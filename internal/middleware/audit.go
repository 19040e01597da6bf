package middleware

import (
	"context"
	"log"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// AuditRecord is one audited step.
type AuditRecord struct {
	RunID  string
	NodeID string
	Stage  Stage
	// Event is one of agent_start, agent_end, tool_start, tool_end, error.
	Event  string
	Tool   string
	Detail string
	Tokens int64
	At     time.Time
}

// AuditSink persists audit records.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec AuditRecord) error
}

// Audit writes a record for every step it observes. Sink failures are
// logged and never fail the step.
type Audit struct {
	sink     AuditSink
	priority int
	now      func() time.Time
}

// NewAudit creates an Audit middleware writing to sink.
func NewAudit(sink AuditSink) *Audit {
	return &Audit{sink: sink, priority: 10, now: time.Now}
}

// Name implements Middleware.
func (a *Audit) Name() string { return "audit" }

// Priority implements Middleware.
func (a *Audit) Priority() int { return a.priority }

func (a *Audit) record(ctx context.Context, rec AuditRecord) {
	rec.At = a.now()
	if err := a.sink.RecordAudit(ctx, rec); err != nil {
		log.Printf("[audit] failed to record %s for %s: %v", rec.Event, rec.NodeID, err)
	}
}

// BeforeAgent implements BeforeAgentHook.
func (a *Audit) BeforeAgent(ctx context.Context, call *AgentCall) (Verdict, error) {
	a.record(ctx, AuditRecord{
		RunID: call.RunID, NodeID: call.NodeID, Stage: StageAgent,
		Event: "agent_start", Detail: call.Spec.Label(),
	})
	return Verdict{}, nil
}

// AfterAgent implements AfterAgentHook.
func (a *Audit) AfterAgent(ctx context.Context, call *AgentCall, result *models.AgentResult) (*models.AgentResult, error) {
	a.record(ctx, AuditRecord{
		RunID: call.RunID, NodeID: call.NodeID, Stage: StageAgent,
		Event: "agent_end", Detail: truncate(result.Text, 200), Tokens: result.Usage.Total(),
	})
	return result, nil
}

// BeforeTool implements BeforeToolHook.
func (a *Audit) BeforeTool(ctx context.Context, call *ToolCall) (ToolVerdict, error) {
	a.record(ctx, AuditRecord{
		RunID: call.RunID, NodeID: call.NodeID, Stage: StageTool,
		Event: "tool_start", Tool: call.Name, Detail: truncate(string(call.Args), 200),
	})
	return ToolVerdict{}, nil
}

// AfterTool implements AfterToolHook.
func (a *Audit) AfterTool(ctx context.Context, call *ToolCall, result models.ToolResult) (models.ToolResult, error) {
	a.record(ctx, AuditRecord{
		RunID: call.RunID, NodeID: call.NodeID, Stage: StageTool,
		Event: "tool_end", Tool: call.Name, Detail: truncate(result.Content, 200),
	})
	return result, nil
}

// OnError implements ErrorHook. It never recovers.
func (a *Audit) OnError(ctx context.Context, ev ErrorEvent) Recovery {
	rec := AuditRecord{NodeID: ev.NodeID, Stage: ev.Stage, Event: "error", Tool: ev.Tool, Detail: ev.Err.Error()}
	if ev.Call != nil {
		rec.RunID = ev.Call.RunID
	} else if ev.ToolCall != nil {
		rec.RunID = ev.ToolCall.RunID
	}
	a.record(ctx, rec)
	return Recovery{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
