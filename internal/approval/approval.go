// Package approval implements the learned-approval recorder (§4.3):
// per-tool approval history with auto-approval after a run of consecutive
// approvals.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	defaultAutoApproveThreshold = 3
	justificationRingSize       = 10
)

// Recorder tracks per-tool ApprovalPattern state and the always-require
// allowlist, grounded on the teacher's permission.Checker approved-map
// idiom but generalized into persistent counters rather than a
// session-scoped boolean.
type Recorder struct {
	mu sync.RWMutex

	patterns  map[string]*types.ApprovalPattern
	threshold int

	alwaysRequireApproval map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		patterns:              make(map[string]*types.ApprovalPattern),
		threshold:             defaultAutoApproveThreshold,
		alwaysRequireApproval: make(map[string]bool),
	}
}

// SetThreshold overrides the default consecutive-approval count required
// for auto-approval.
func (r *Recorder) SetThreshold(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = n
}

// RequireApproval adds a tool to the always-require-approval list,
// overriding any learned auto-approval.
func (r *Recorder) RequireApproval(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alwaysRequireApproval[name] = true
}

// ShouldAutoApprove returns true iff the tool's pattern has an always_allow
// flag set OR shows >= threshold consecutive approvals, and the tool is
// not on the always-require-approval list.
func (r *Recorder) ShouldAutoApprove(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.alwaysRequireApproval[name] {
		return false
	}
	p, ok := r.patterns[name]
	if !ok {
		return false
	}
	return p.AlwaysAllow || p.ConsecutiveOK >= r.threshold
}

// RecordApproval updates counters, the justification ring buffer, and the
// always-allow flag for a tool.
func (r *Recorder) RecordApproval(name string, approved bool, reason string, alwaysAllow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patterns[name]
	if !ok {
		p = &types.ApprovalPattern{ToolName: name}
		r.patterns[name] = p
	}

	p.TotalRequests++
	if approved {
		p.Approvals++
		p.ConsecutiveOK++
	} else {
		p.Denials++
		p.ConsecutiveOK = 0
	}
	if alwaysAllow {
		p.AlwaysAllow = true
	}
	if reason != "" {
		p.Justifications = append(p.Justifications, reason)
		if len(p.Justifications) > justificationRingSize {
			p.Justifications = p.Justifications[len(p.Justifications)-justificationRingSize:]
		}
	}
	p.LastUpdated = time.Now()
}

// GetPattern returns a copy of the tool's current approval pattern.
func (r *Recorder) GetPattern(name string) (types.ApprovalPattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[name]
	if !ok {
		return types.ApprovalPattern{}, false
	}
	return *p, true
}

// GetSuggestion returns human-readable guidance for a pending approval
// prompt, e.g. "2 more approvals until auto-approve".
func (r *Recorder) GetSuggestion(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.alwaysRequireApproval[name] {
		return "This tool always requires approval"
	}
	p, ok := r.patterns[name]
	if !ok {
		return fmt.Sprintf("%d more approvals until auto-approve", r.threshold)
	}
	if p.AlwaysAllow {
		return "This tool is set to always-allow"
	}
	remaining := r.threshold - p.ConsecutiveOK
	if remaining <= 0 {
		return "This tool will auto-approve on the next request"
	}
	return fmt.Sprintf("%d more approval%s until auto-approve", remaining, plural(remaining))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
