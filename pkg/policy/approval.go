package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/pkg/merrors"
)

// DefaultApprovalTimeout bounds how long a require_approval decision may
// stay pending before it resolves to deny.
const DefaultApprovalTimeout = 30 * time.Second

// ApprovalResult is the terminal state of one approval request.
type ApprovalResult struct {
	Approved bool
	Approver string
	Reason   string // "approved", "rejected", or "approval_timeout"
}

type pendingApproval struct {
	approvers []string
	resolved  bool
	outcome   chan ApprovalResult
}

// Approvals tracks pending require_approval decisions until a named
// approver resolves them or the timeout elapses. Timeouts resolve to
// deny; they are a normal outcome, not an error.
type Approvals struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovals creates an empty approval tracker.
func NewApprovals(timeout time.Duration) *Approvals {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Approvals{
		timeout: timeout,
		pending: make(map[string]*pendingApproval),
	}
}

// Submit registers a require_approval decision and returns the request ID
// approvers use to resolve it. Submitting a decision whose action is not
// require_approval is rejected.
func (a *Approvals) Submit(d Decision) (string, error) {
	if d.Action != ActionRequireApproval {
		return "", merrors.New(merrors.PolicyInvalid, "decision action %q does not require approval", d.Action)
	}

	id := uuid.NewString()
	a.mu.Lock()
	a.pending[id] = &pendingApproval{
		approvers: d.Approvers,
		outcome:   make(chan ApprovalResult, 1),
	}
	a.mu.Unlock()
	return id, nil
}

// Resolve records an approver's verdict. The approver must belong to the
// rule's approver set; an unknown request ID means the request already
// resolved (or never existed). The entry stays registered until Wait
// consumes the outcome, so Resolve racing ahead of Wait never loses it.
func (a *Approvals) Resolve(id, approver string, approve bool) error {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok && p.resolved {
		ok = false
	}
	if ok && len(p.approvers) > 0 && !contains(p.approvers, approver) {
		a.mu.Unlock()
		return merrors.New(merrors.CapabilityEscalation, "%s is not in the approver set", approver)
	}
	if ok {
		p.resolved = true
	}
	a.mu.Unlock()
	if !ok {
		return merrors.New(merrors.UnknownAgent, "no pending approval %s", id)
	}

	result := ApprovalResult{Approved: approve, Approver: approver, Reason: "approved"}
	if !approve {
		result.Reason = "rejected"
	}
	p.outcome <- result
	return nil
}

// Wait blocks until the request resolves, the timeout elapses, or ctx is
// done. Timeout and cancellation both resolve to deny with reason
// "approval_timeout".
func (a *Approvals) Wait(ctx context.Context, id string) ApprovalResult {
	a.mu.Lock()
	p, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return ApprovalResult{Approved: false, Reason: "approval_timeout"}
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	var result ApprovalResult
	select {
	case result = <-p.outcome:
	case <-timer.C:
		result = ApprovalResult{Approved: false, Reason: "approval_timeout"}
	case <-ctx.Done():
		result = ApprovalResult{Approved: false, Reason: "approval_timeout"}
	}

	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
	return result
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
