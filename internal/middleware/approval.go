package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ApprovalRequest asks a human (or policy) to allow a tool call.
type ApprovalRequest struct {
	// ID correlates the request with its response.
	ID     string
	NodeID string
	Tool   string
	Args   json.RawMessage
	// ArgsHash is the sha256 of Args the approval is bound to.
	ArgsHash string
}

// ApprovalResponse is the decision on an ApprovalRequest.
type ApprovalResponse struct {
	ID       string
	Approved bool
	// Remember grants this exact tool and argument combination for the
	// rest of the run without asking again.
	Remember bool
	Reason   string
}

// Approver decides approval requests.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// Approve calls f(ctx, req).
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

// AutoApprove approves everything. Useful for unattended runs.
var AutoApprove = ApproverFunc(func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{ID: req.ID, Approved: true, Reason: "auto"}, nil
})

// Approval is a BeforeTool gate for a fixed set of tool names. Tools not
// in the set pass through untouched.
type Approval struct {
	tools    map[string]bool
	approver Approver
	priority int
	// remembered holds tool+args hashes approved with Remember.
	remembered map[string]time.Time
	mu         sync.RWMutex
}

// NewApproval gates the named tools behind approver. The name "*" gates
// every tool.
func NewApproval(approver Approver, tools ...string) *Approval {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t] = true
	}
	return &Approval{
		tools:      set,
		approver:   approver,
		priority:   50,
		remembered: make(map[string]time.Time),
	}
}

// Name implements Middleware.
func (a *Approval) Name() string { return "approval" }

// Priority implements Middleware.
func (a *Approval) Priority() int { return a.priority }

// Gated reports whether tool requires approval.
func (a *Approval) Gated(tool string) bool {
	return a.tools[tool] || a.tools["*"]
}

// BeforeTool asks the approver about gated tools. A rejection skips the
// tool and hands the model an error result explaining why.
func (a *Approval) BeforeTool(ctx context.Context, call *ToolCall) (ToolVerdict, error) {
	if !a.Gated(call.Name) {
		return ToolVerdict{}, nil
	}

	hash := argsHash(call.Name, call.Args)
	a.mu.RLock()
	_, ok := a.remembered[hash]
	a.mu.RUnlock()
	if ok {
		return ToolVerdict{}, nil
	}

	req := ApprovalRequest{
		ID:       fmt.Sprintf("%s/%s/%s", call.NodeID, call.Name, hash[:12]),
		NodeID:   call.NodeID,
		Tool:     call.Name,
		Args:     call.Args,
		ArgsHash: hash,
	}
	resp, err := a.approver.Approve(ctx, req)
	if err != nil {
		return ToolVerdict{}, err
	}
	if !resp.Approved {
		log.Printf("[approval] rejected %s for node %s: %s", call.Name, call.NodeID, resp.Reason)
		return ToolVerdict{
			Skip:       true,
			MockResult: &models.ToolResult{Content: fmt.Sprintf("%v: %s", ErrToolRejected, resp.Reason), IsError: true},
			Reason:     resp.Reason,
		}, nil
	}
	if resp.Remember {
		a.mu.Lock()
		a.remembered[hash] = time.Now()
		a.mu.Unlock()
	}
	return ToolVerdict{}, nil
}

// Expire forgets every remembered approval.
func (a *Approval) Expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remembered = make(map[string]time.Time)
}

func argsHash(tool string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil))
}

// ChannelApprover forwards requests on a channel and waits for a matching
// SubmitResponse call, for interactive front ends.
type ChannelApprover struct {
	// pending maps request ids to channels waiting for responses.
	pending map[string]chan ApprovalResponse
	// requestCh delivers requests to the front end.
	requestCh chan ApprovalRequest
	mu        sync.RWMutex
}

// NewChannelApprover creates a ChannelApprover.
func NewChannelApprover() *ChannelApprover {
	return &ChannelApprover{
		pending:   make(map[string]chan ApprovalResponse),
		requestCh: make(chan ApprovalRequest, 10),
	}
}

// RequestCh returns a read-only channel for receiving approval requests.
func (c *ChannelApprover) RequestCh() <-chan ApprovalRequest {
	return c.requestCh
}

// Approve blocks until SubmitResponse answers req or ctx is done.
func (c *ChannelApprover) Approve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	responseCh := make(chan ApprovalResponse, 1)

	c.mu.Lock()
	c.pending[req.ID] = responseCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	select {
	case c.requestCh <- req:
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// SubmitResponse answers a pending request. Unknown ids are ignored.
func (c *ChannelApprover) SubmitResponse(resp ApprovalResponse) {
	c.mu.RLock()
	ch, exists := c.pending[resp.ID]
	c.mu.RUnlock()

	if exists {
		select {
		case ch <- resp:
		default:
			// Response already submitted.
		}
	}
}

// HasPending reports whether a request with id is waiting.
func (c *ChannelApprover) HasPending(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.pending[id]
	return exists
}
