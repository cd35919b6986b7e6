package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/opencode-ai/opencode/internal/agentic"
)

// cliApprover is the HITL prompt gate's terminal surface: a blocking
// stdin y/n/always/no prompt, grounded on the teacher's headless
// approval shortcuts but wired to agentic.Approver instead of the
// deleted internal/permission ask flow.
type cliApprover struct {
	reader *bufio.Reader
}

func newCLIApprover() *cliApprover {
	return &cliApprover{reader: bufio.NewReader(os.Stdin)}
}

func (a *cliApprover) RequestApproval(ctx context.Context, req agentic.ApprovalRequest) (agentic.Decision, map[string]any, error) {
	fmt.Printf("\n[%s] wants to run %s\n", strings.ToUpper(req.RiskLevel), req.ToolName)
	for k, v := range req.Args {
		fmt.Printf("  %s: %v\n", k, v)
	}
	if req.Stats != nil && req.CanLearn {
		fmt.Printf("  (approved %d/%d times before)\n", req.Stats.Approvals, req.Stats.TotalRequests)
	}
	fmt.Print("Allow? [y]es / [n]o / [a]lways / (^C to abort): ")

	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult, 1)
	go func() {
		line, err := a.reader.ReadString('\n')
		lines <- lineResult{line, err}
	}()

	select {
	case <-ctx.Done():
		return agentic.DecisionTimeout, nil, ctx.Err()
	case res := <-lines:
		if res.err != nil {
			return agentic.DecisionDeny, nil, res.err
		}
		switch strings.ToLower(strings.TrimSpace(res.line)) {
		case "y", "yes":
			return agentic.DecisionApprove, nil, nil
		case "a", "always":
			return agentic.DecisionApproveAlways, nil, nil
		default:
			return agentic.DecisionDeny, nil, nil
		}
	}
}
