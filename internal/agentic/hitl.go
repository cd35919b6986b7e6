package agentic

import (
	"context"
	"fmt"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/policy"
	"github.com/opencode-ai/opencode/pkg/types"
)

// Decision is the outcome of the human-in-the-loop prompt gate.
type Decision string

const (
	DecisionApprove       Decision = "approve"
	DecisionApproveAlways Decision = "approve_always"
	DecisionDeny          Decision = "deny"
	DecisionModify        Decision = "modify"
	DecisionTimeout       Decision = "timeout"
	DecisionCancelled     Decision = "cancelled"
)

// ApprovalRequest is what gets surfaced to a human approver when a tool
// call reaches the prompt gate.
type ApprovalRequest struct {
	SessionID string
	CallID    string
	ToolName  string
	Args      map[string]any
	Stats     *types.ApprovalPattern
	RiskLevel string
	CanLearn  bool
}

// Approver is the human-in-the-loop prompt surface. Implementations
// (a TUI, a CLI prompt, a headless auto-responder) must respect ctx
// cancellation and return within DefaultApprovalTimeout.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, map[string]any, error)
}

// hitlOutcome is the verdict of executeWithHITL's five gates. When
// !Allowed, Result is the structured tool-result body (spec §7) the loop
// feeds back to the model in place of running the tool.
type hitlOutcome struct {
	Allowed    bool
	Args       map[string]any
	DenyReason string
	Result     map[string]any
}

// executeWithHITL runs a tool call through the five ordered gates of
// §4.6.2:
//  1. policy-deny short-circuits immediately.
//  2. apply_constraints may modify args or reject outright.
//  3. policy-allow, or an approval-recorder auto-approve, skips the prompt.
//  4. otherwise prompt the human and wait (bounded by DefaultApprovalTimeout).
//  5. dispatch on the human's decision (approve / approve_always / deny / modify).
func (l *Loop) executeWithHITL(ctx context.Context, req ApprovalRequest, source types.ToolSource) hitlOutcome {
	// Gate 1: policy-deny.
	pol := l.Policy.GetPolicy(req.ToolName)
	if pol == types.PolicyDeny {
		reason := "Tool is denied by policy"
		event.Publish(event.Event{Type: event.ToolDenied, SessionID: req.SessionID, Data: event.ToolDeniedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: req.Args, Reason: reason, Source: source,
		}})
		return hitlOutcome{Allowed: false, DenyReason: reason, Result: map[string]any{
			"error": fmt.Sprintf("Tool '%s' is denied by policy", req.ToolName), "denied_by_policy": true,
		}}
	}

	// Gate 2: apply_constraints.
	args := req.Args
	if constraintResult := l.Policy.ApplyConstraints(req.ToolName, args); constraintResult.Kind == policy.Violated {
		event.Publish(event.Event{Type: event.ToolDenied, SessionID: req.SessionID, Data: event.ToolDeniedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: args, Reason: constraintResult.Reason, Source: source,
		}})
		return hitlOutcome{Allowed: false, DenyReason: constraintResult.Reason, Result: map[string]any{
			"error": fmt.Sprintf("Tool constraint violated: %s", constraintResult.Reason), "constraint_violated": true,
		}}
	} else if constraintResult.Kind == policy.Modified {
		args = constraintResult.Args
	}

	// Gate 3: policy-allow or learned auto-approve skips the prompt.
	if pol == types.PolicyAllow || l.Approvals.ShouldAutoApprove(req.ToolName) {
		reason := "allowed by policy"
		if pol != types.PolicyAllow {
			reason = "auto-approved from prior approvals"
		}
		event.Publish(event.Event{Type: event.ToolAutoApproved, SessionID: req.SessionID, Data: event.ToolAutoApprovedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: args, Reason: reason, Source: source,
		}})
		return hitlOutcome{Allowed: true, Args: args}
	}

	if l.Approver == nil {
		// No human surface configured: fail closed, matching policy §7's
		// "ambiguous state defaults to the safer outcome" error-handling rule.
		reason := "no approver configured"
		event.Publish(event.Event{Type: event.ToolDenied, SessionID: req.SessionID, Data: event.ToolDeniedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: args, Reason: reason, Source: source,
		}})
		return hitlOutcome{Allowed: false, DenyReason: reason, Result: map[string]any{
			"error": reason, "denied": true,
		}}
	}

	// Gate 4: prompt and wait, bounded by DefaultApprovalTimeout.
	req.Args = args
	if pattern, ok := l.Approvals.GetPattern(req.ToolName); ok {
		req.Stats = &pattern
	}
	req.CanLearn = true
	event.Publish(event.Event{Type: event.ToolApprovalRequest, SessionID: req.SessionID, Data: event.ToolApprovalRequestData{
		RequestID: req.CallID, ToolName: req.ToolName, Args: args, Stats: req.Stats, RiskLevel: riskLevel(pol), CanLearn: true,
		Suggestion: l.Approvals.GetSuggestion(req.ToolName), Source: source,
	}})

	promptCtx, cancel := context.WithTimeout(ctx, DefaultApprovalTimeout)
	defer cancel()

	decision, modifiedArgs, err := l.Approver.RequestApproval(promptCtx, req)
	if err != nil || promptCtx.Err() != nil {
		if promptCtx.Err() == context.Canceled {
			decision = DecisionCancelled
		} else {
			decision = DecisionTimeout
		}
	}

	// Gate 5: dispatch on the human's decision.
	switch decision {
	case DecisionApprove:
		l.Approvals.RecordApproval(req.ToolName, true, "", false)
		return hitlOutcome{Allowed: true, Args: args}

	case DecisionApproveAlways:
		l.Approvals.RecordApproval(req.ToolName, true, "", true)
		l.Policy.Preapprove(req.ToolName)
		return hitlOutcome{Allowed: true, Args: args}

	case DecisionModify:
		l.Approvals.RecordApproval(req.ToolName, true, "modified", false)
		if modifiedArgs != nil {
			args = modifiedArgs
		}
		return hitlOutcome{Allowed: true, Args: args}

	case DecisionTimeout:
		l.Approvals.RecordApproval(req.ToolName, false, "timed out", false)
		reason := fmt.Sprintf("Approval request timed out after %d seconds", int(DefaultApprovalTimeout.Seconds()))
		event.Publish(event.Event{Type: event.ToolDenied, SessionID: req.SessionID, Data: event.ToolDeniedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: args, Reason: reason, Source: source,
		}})
		return hitlOutcome{Allowed: false, DenyReason: reason, Result: map[string]any{
			"error": reason, "timeout": true,
		}}

	case DecisionCancelled:
		l.Approvals.RecordApproval(req.ToolName, false, "cancelled", false)
		reason := "Approval request cancelled"
		event.Publish(event.Event{Type: event.ToolDenied, SessionID: req.SessionID, Data: event.ToolDeniedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: args, Reason: reason, Source: source,
		}})
		return hitlOutcome{Allowed: false, DenyReason: reason, Result: map[string]any{
			"error": reason, "cancelled": true,
		}}

	default: // DecisionDeny
		l.Approvals.RecordApproval(req.ToolName, false, "", false)
		reason := "Tool execution denied by user"
		event.Publish(event.Event{Type: event.ToolDenied, SessionID: req.SessionID, Data: event.ToolDeniedData{
			RequestID: req.CallID, ToolName: req.ToolName, Args: args, Reason: reason, Source: source,
		}})
		return hitlOutcome{Allowed: false, DenyReason: reason, Result: map[string]any{
			"error": reason, "denied": true,
		}}
	}
}

func riskLevel(pol types.ToolPolicy) string {
	switch pol {
	case types.PolicyDeny:
		return "high"
	case types.PolicyPrompt:
		return "medium"
	default:
		return "low"
	}
}
