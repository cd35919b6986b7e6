package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/loopguard"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

// executeToolCalls runs every pending tool part of the current turn
// through the loop guard and the five-gate HITL flow, then invokes the
// tool itself. Grounded on the teacher's session.executeToolCalls, with
// permission.Checker replaced by policy.Engine + approval.Recorder and
// a dedicated loopguard.Detector instead of the inline doom-loop counter.
func (l *Loop) executeToolCalls(ctx context.Context, sessionID string, state *turnState, agent *Agent, callback TurnCallback) {
	var pending []*types.ToolPart
	for _, part := range state.parts {
		if tp, ok := part.(*types.ToolPart); ok && tp.State.Status == types.ToolStateRunning {
			pending = append(pending, tp)
		}
	}

	for _, toolPart := range pending {
		l.executeSingleTool(ctx, sessionID, state, agent, toolPart, callback)
	}
}

func (l *Loop) executeSingleTool(ctx context.Context, sessionID string, state *turnState, agent *Agent, toolPart *types.ToolPart, callback TurnCallback) {
	source := sourceForAgent(agent, state.depth)

	t, ok := l.ToolRegistry.Get(toolPart.ToolName)
	if !ok {
		l.failTool(ctx, state, toolPart, callback, map[string]any{
			"error": fmt.Sprintf("tool not found: %s", toolPart.ToolName),
		})
		return
	}

	args := l.normalize(toolPart.ToolName, toolPart.State.Input)

	verdict, repeatCount, iteration := l.LoopGuard.Check(toolPart.ToolName, args)
	_ = iteration
	switch verdict {
	case loopguard.VerdictBlocked:
		const suggestion = "Try a different approach or modify the arguments"
		event.Publish(event.Event{Type: event.LoopBlocked, SessionID: sessionID, Data: event.LoopBlockedData{
			ToolName: toolPart.ToolName, RepeatCount: repeatCount, Suggestion: suggestion,
		}})
		l.failTool(ctx, state, toolPart, callback, map[string]any{
			"error":         fmt.Sprintf("%s called %d times with identical arguments; this looks like a loop", toolPart.ToolName, repeatCount),
			"loop_detected": true,
			"repeat_count":  repeatCount,
			"suggestion":    suggestion,
		})
		return
	case loopguard.VerdictWarn:
		event.Publish(event.Event{Type: event.LoopWarning, SessionID: sessionID, Data: event.LoopWarningData{ToolName: toolPart.ToolName, RepeatCount: repeatCount}})
	}

	event.Publish(event.Event{Type: event.ToolRequest, SessionID: sessionID, Data: event.ToolRequestData{
		ToolName: toolPart.ToolName, Args: args, RequestID: toolPart.ToolCallID, Source: source,
	}})

	outcome := l.executeWithHITL(ctx, ApprovalRequest{
		SessionID: sessionID,
		CallID:    toolPart.ToolCallID,
		ToolName:  toolPart.ToolName,
		Args:      args,
	}, source)

	if !outcome.Allowed {
		result := outcome.Result
		if result == nil {
			result = map[string]any{"error": outcome.DenyReason, "denied": true}
		}
		l.failTool(ctx, state, toolPart, callback, result)
		return
	}
	args = outcome.Args
	toolPart.State.Input = args

	inputJSON, err := json.Marshal(args)
	if err != nil {
		l.failTool(ctx, state, toolPart, callback, map[string]any{
			"error": fmt.Sprintf("failed to marshal input: %v", err),
		})
		return
	}

	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	toolCtx := &tool.Context{
		SessionID: sessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.ToolCallID,
		Agent:     agent.Name,
		AbortCh:   abortCh,
		Extra:     map[string]any{"model": state.message.ModelID, "depth": state.depth},
	}
	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		toolPart.Title = &title
		if toolPart.Metadata == nil {
			toolPart.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.Metadata[k] = v
		}
		l.savePart(ctx, state.message.ID, toolPart)
		callback(state.message, state.parts)
	}

	result, err := t.Execute(ctx, inputJSON, toolCtx)
	if err != nil {
		errResult := map[string]any{"error": err.Error()}
		l.failTool(ctx, state, toolPart, callback, errResult)
		event.Publish(event.Event{Type: event.ToolResult, SessionID: sessionID, Data: event.ToolResultData{
			ToolName: toolPart.ToolName, Success: false, Result: errResult, RequestID: toolPart.ToolCallID, Source: source,
		}})
		return
	}

	now := time.Now().UnixMilli()
	toolPart.State.Status = types.ToolStateCompleted
	output := result.Output
	toolPart.State.Output = &output
	if result.Title != "" {
		toolPart.Title = &result.Title
	}
	toolPart.State.Time.End = &now
	if result.Metadata != nil {
		if toolPart.Metadata == nil {
			toolPart.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.Metadata[k] = v
		}
	}

	l.savePart(ctx, state.message.ID, toolPart)
	event.Publish(event.Event{Type: event.ToolResult, SessionID: sessionID, Data: event.ToolResultData{
		ToolName: toolPart.ToolName, Success: true, Result: result.Output, RequestID: toolPart.ToolCallID, Source: source,
	}})
	callback(state.message, state.parts)
}

// failTool records a non-execution (or execution-error) outcome. result
// is the full structured tool-result body (spec §7: error/denied_by_policy/
// constraint_violated/timeout/cancelled/loop_detected, as applicable) —
// it is marshaled verbatim into State.Output so the model sees the exact
// fields the spec requires when this tool-result is fed back to it.
func (l *Loop) failTool(ctx context.Context, state *turnState, toolPart *types.ToolPart, callback TurnCallback, result map[string]any) {
	now := time.Now().UnixMilli()
	toolPart.State.Status = types.ToolStateError
	if msg, ok := result["error"].(string); ok {
		toolPart.State.Error = &msg
	}
	if resultJSON, err := json.Marshal(result); err == nil {
		out := string(resultJSON)
		toolPart.State.Output = &out
	}
	toolPart.State.Time.End = &now
	l.savePart(ctx, state.message.ID, toolPart)
	callback(state.message, state.parts)
}

func sourceForAgent(agent *Agent, depth int) types.ToolSource {
	if agent.IsSubagent {
		return types.SubAgentSource("", agent.Name)
	}
	return types.MainSource()
}
