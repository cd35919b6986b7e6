// Package agentic implements the streaming agentic turn controller: the
// iterate-until-no-tool-calls main loop, human-in-the-loop tool approval,
// context-window enforcement, and loop/repetition detection. Grounded on
// the teacher's internal/session package (runLoop/executeToolCalls/
// processStream), generalized to route every tool call through the
// two-tier policy engine, the approval recorder, and the loop guard
// instead of the single ask/allow/deny permission.Checker.
package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode/internal/approval"
	"github.com/opencode-ai/opencode/internal/contextwindow"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/loopguard"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/policy"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	// MaxToolIterations bounds the iterate-until-no-tool-calls loop,
	// independent of loopguard's own per-fingerprint repetition limit.
	MaxToolIterations = 100

	RetryInitialInterval = time.Second
	RetryMaxInterval     = 30 * time.Second
	RetryMaxElapsedTime  = 2 * time.Minute
	MaxRetries           = 3

	// MaxDepth bounds sub-agent dispatch recursion (§4.6.4).
	MaxDepth = 4

	// DefaultApprovalTimeout is how long executeWithHITL waits on the
	// prompt gate before treating the tool call as denied.
	DefaultApprovalTimeout = 5 * time.Minute
)

// Agent mirrors the teacher's session.Agent shape: per-agent sampling and
// tool-eligibility configuration. Kept as its own type (rather than
// importing internal/session) to avoid entangling the new turn driver
// with the package it replaces.
type Agent struct {
	Name          string
	Prompt        string
	Temperature   float64
	TopP          float64
	MaxSteps      int
	Tools         []string
	DisabledTools []string
	IsSubagent    bool
}

func (a *Agent) ToolEnabled(toolID string) bool {
	for _, d := range a.DisabledTools {
		if d == toolID {
			return false
		}
	}
	if len(a.Tools) == 0 {
		return true
	}
	for _, t := range a.Tools {
		if t == toolID {
			return true
		}
	}
	return false
}

func DefaultAgent() *Agent {
	return &Agent{Name: "default", Temperature: 0.7, TopP: 1.0, MaxSteps: 50}
}

// Normalizer adjusts raw tool-call arguments before policy evaluation
// (Open Question (a)): e.g. coercing a string "true"/"false" to bool, or
// filling a tool-specific default. Registered per tool name.
type Normalizer func(args map[string]any) map[string]any

// Loop is the agentic turn controller. One Loop is shared across
// sessions; per-session mutable progress lives in turnState.
type Loop struct {
	ProviderRegistry *provider.Registry
	ToolRegistry     *tool.Registry
	Storage          *storage.Storage

	Policy     *policy.Engine
	Approvals  *approval.Recorder
	LoopGuard  *loopguard.Detector
	CtxWindow  *contextwindow.Manager
	Approver   Approver

	Normalizers map[string]Normalizer

	MaxDepth int
}

// New constructs a Loop with default thresholds for the control
// components that aren't supplied.
func New(providerReg *provider.Registry, toolReg *tool.Registry, store *storage.Storage, pol *policy.Engine) *Loop {
	return &Loop{
		ProviderRegistry: providerReg,
		ToolRegistry:     toolReg,
		Storage:          store,
		Policy:           pol,
		Approvals:        approval.NewRecorder(),
		LoopGuard:        loopguard.New(),
		Normalizers:      make(map[string]Normalizer),
		MaxDepth:         MaxDepth,
	}
}

// RegisterNormalizer installs an argument normalizer for a tool, invoked
// before every policy/constraint check for that tool's calls.
func (l *Loop) RegisterNormalizer(toolName string, fn Normalizer) {
	l.Normalizers[toolName] = fn
}

func (l *Loop) normalize(toolName string, args map[string]any) map[string]any {
	if fn, ok := l.Normalizers[toolName]; ok {
		return fn(args)
	}
	return args
}

// turnState tracks one in-flight turn: the assistant message under
// construction, its parts, and per-turn control component state.
type turnState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	message *types.Message
	parts   []types.Part
	depth   int
}

// TurnCallback is invoked with message/part updates during a turn.
type TurnCallback func(msg *types.Message, parts []types.Part)

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// RunTurn drives one full assistant turn: build the request, stream the
// completion, and iterate tool execution until the model stops
// requesting tools or MaxToolIterations is reached (§4.6).
func (l *Loop) RunTurn(ctx context.Context, sessionID string, agent *Agent, depth int, callback TurnCallback) error {
	if agent == nil {
		agent = DefaultAgent()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := l.loadMessages(turnCtx, sessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("agentic: no messages in session %s", sessionID)
	}

	lastMsg := messages[len(messages)-1]
	providerID, modelID := "anthropic", "claude-sonnet-4-20250514"
	if lastMsg.Model != nil {
		providerID, modelID = lastMsg.Model.ProviderID, lastMsg.Model.ModelID
	}

	prov, err := l.ProviderRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("agentic: provider not found: %w", err)
	}
	model, err := l.ProviderRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("agentic: model not found: %w", err)
	}

	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		Time:       types.MessageTime{Created: now},
	}
	state := &turnState{ctx: turnCtx, cancel: cancel, message: assistantMsg, depth: depth}

	if err := l.Storage.Put(turnCtx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return fmt.Errorf("agentic: save message: %w", err)
	}
	callback(assistantMsg, nil)
	event.Publish(event.Event{Type: event.Started, SessionID: sessionID, Data: event.StartedData{TurnID: assistantMsg.ID}})

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxToolIterations
	}

	l.LoopGuard.Reset()
	retryBackoff := newRetryBackoff(turnCtx)

	for iteration := 0; ; iteration++ {
		select {
		case <-turnCtx.Done():
			l.finishWithError(turnCtx, sessionID, assistantMsg, "abort", "turn aborted")
			return turnCtx.Err()
		default:
		}

		if iteration >= maxSteps {
			l.finishWithError(turnCtx, sessionID, assistantMsg, "max_steps", "maximum tool iterations reached")
			event.Publish(event.Event{Type: event.MaxIterationsReached, SessionID: sessionID, Data: event.MaxIterationsReachedData{Iterations: iteration}})
			return fmt.Errorf("agentic: max tool iterations exceeded")
		}

		if l.CtxWindow != nil {
			util := l.CtxWindow.Utilization(messages)
			if lvl := l.CtxWindow.Level(util); lvl != "" {
				event.Publish(event.Event{Type: event.ContextWarning, SessionID: sessionID, Data: event.ContextWarningData{Utilization: util, Level: lvl}})
			}
			parts := make(map[string][]types.Part)
			pruned, result := l.CtxWindow.EnforceContextWindow(messages, parts)
			if result.Pruned {
				messages = pruned
				event.Publish(event.Event{Type: event.ContextPruned, SessionID: sessionID, Data: event.ContextPrunedData{
					MessagesRemoved:   result.MessagesRemoved,
					UtilizationBefore: result.UtilizationBefore,
					UtilizationAfter:  result.UtilizationAfter,
				}})
			}
		}

		req, err := l.buildCompletionRequest(turnCtx, sessionID, messages, assistantMsg, agent, model, depth)
		if err != nil {
			return fmt.Errorf("agentic: build request: %w", err)
		}

		stream, err := prov.CreateCompletion(turnCtx, req)
		if err != nil {
			if !l.retryOrFail(turnCtx, retryBackoff, sessionID, assistantMsg, err) {
				return err
			}
			continue
		}

		finishReason, err := l.processStream(turnCtx, stream, state, callback)
		stream.Close()
		if err != nil {
			if !l.retryOrFail(turnCtx, retryBackoff, sessionID, assistantMsg, err) {
				return err
			}
			continue
		}
		retryBackoff.Reset()

		switch finishReason {
		case "stop", "end_turn":
			finish := "stop"
			assistantMsg.Finish = &finish
			l.saveMessage(turnCtx, sessionID, assistantMsg)
			event.Publish(event.Event{Type: event.Completed, SessionID: sessionID, Data: event.CompletedData{Response: textContent(state.parts)}})
			return nil

		case "tool-calls", "tool_calls", "tool_use":
			l.executeToolCalls(turnCtx, sessionID, state, agent, callback)
			messages, _ = l.loadMessages(turnCtx, sessionID)
			continue

		case "max_tokens", "length":
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = &types.MessageError{Type: "output_length", Message: "output length limit reached"}
			l.saveMessage(turnCtx, sessionID, assistantMsg)
			return nil

		default:
			assistantMsg.Finish = &finishReason
			l.saveMessage(turnCtx, sessionID, assistantMsg)
			return nil
		}
	}
}

func (l *Loop) retryOrFail(ctx context.Context, b backoff.BackOff, sessionID string, msg *types.Message, cause error) bool {
	next := b.NextBackOff()
	if next == backoff.Stop {
		l.finishWithError(ctx, sessionID, msg, "api", cause.Error())
		return false
	}
	logging.Logger.Warn().Err(cause).Dur("backoff", next).Msg("agentic: retrying after provider error")
	time.Sleep(next)
	return true
}

func (l *Loop) finishWithError(ctx context.Context, sessionID string, msg *types.Message, kind, message string) {
	msg.Error = &types.MessageError{Type: kind, Message: message}
	l.saveMessage(ctx, sessionID, msg)
	event.Publish(event.Event{Type: event.Error, SessionID: sessionID, Data: event.ErrorData{ErrorType: kind, Message: message}})
}

// textContent concatenates all text parts of a turn, used only to surface
// a best-effort "response" summary on the Completed event.
func textContent(parts []types.Part) string {
	var out string
	for _, p := range parts {
		if tp, ok := p.(*types.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

func (l *Loop) saveMessage(ctx context.Context, sessionID string, msg *types.Message) {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	_ = l.Storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
}

func (l *Loop) savePart(ctx context.Context, messageID string, part types.Part) {
	_ = l.Storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

func (l *Loop) loadMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	var messages []types.Message
	err := l.Storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, msg)
		return nil
	})
	return messages, err
}

func (l *Loop) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := l.Storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// buildCompletionRequest assembles the Eino request: system prompt,
// history converted to schema.Message, and the tool set filtered by
// agent eligibility and (for sub-agents) depth.
func (l *Loop) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []types.Message,
	currentMsg *types.Message,
	agent *Agent,
	model *types.Model,
	depth int,
) (*provider.CompletionRequest, error) {
	var einoMessages []*schema.Message
	einoMessages = append(einoMessages, &schema.Message{Role: schema.System, Content: agent.Prompt})

	for _, msg := range messages {
		parts, err := l.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		einoMessages = append(einoMessages, convertMessage(&msg, parts))
	}

	tools, err := l.resolveTools(agent, model, depth)
	if err != nil {
		return nil, err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}, nil
}

// subAgentToolID is the tool that dispatches sub-agent turns (internal/tool.TaskTool).
// resolveTools hides it once depth has reached MaxDepth-1 so the outer loop
// never exposes a dispatch path that could recurse past MaxDepth (§4.6.4).
const subAgentToolID = "Task"

func (l *Loop) resolveTools(agent *Agent, model *types.Model, depth int) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}
	maxDepth := l.MaxDepth
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}
	var result []*schema.ToolInfo
	for _, t := range l.ToolRegistry.List() {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}
		if t.ID() == subAgentToolID && depth >= maxDepth-1 {
			continue
		}
		result = append(result, tool.ToolInfoFor(t))
	}
	return result, nil
}

func convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	var content string
	var toolCalls []schema.ToolCall
	var toolCallID string

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role == "assistant" {
				inputJSON, _ := json.Marshal(pt.State.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID:       pt.ToolCallID,
					Function: schema.FunctionCall{Name: pt.ToolName, Arguments: string(inputJSON)},
				})
			} else {
				toolCallID = pt.ToolCallID
				if pt.State.Output != nil {
					content = *pt.State.Output
				} else if pt.State.Error != nil {
					content = "Error: " + *pt.State.Error
				}
			}
		}
	}

	m := &schema.Message{Role: role, Content: content, ToolCalls: toolCalls}
	if toolCallID != "" {
		m.ToolCallID = toolCallID
	}
	return m
}
