package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/pkg/types"
)

// processStream consumes one completion stream, assembling text,
// reasoning, and tool-call parts and publishing the §6.3 turn-lifecycle
// events as they complete. Grounded on the teacher's session.processStream/
// processMessageChunk, generalized to emit the new event schema and to
// leave tool execution to executeToolCalls/executeWithHITL rather than
// inlining a single permission check.
func (l *Loop) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *turnState,
	callback TurnCallback,
) (string, error) {
	var currentTextPart *types.TextPart
	var currentReasoningPart *types.ReasoningPart
	currentToolParts := make(map[string]*types.ToolPart)
	accumulatedToolInputs := make(map[string]string)
	var accumulatedContent string
	var finishReason string

	for {
		select {
		case <-ctx.Done():
			return "error", ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "error", err
		}

		finishReason = l.processChunk(ctx, msg, state, callback, &currentTextPart, &currentReasoningPart, currentToolParts, &accumulatedContent, accumulatedToolInputs)
		if finishReason != "" {
			break
		}
	}

	if currentTextPart != nil {
		now := time.Now().UnixMilli()
		currentTextPart.Time.End = &now
		l.savePart(ctx, state.message.ID, currentTextPart)
	}
	if currentReasoningPart != nil {
		now := time.Now().UnixMilli()
		currentReasoningPart.Time.End = &now
		l.savePart(ctx, state.message.ID, currentReasoningPart)
	}

	for _, toolPart := range currentToolParts {
		if accInput, ok := accumulatedToolInputs[toolPart.ToolCallID]; ok && toolPart.State.Input == nil {
			var input map[string]any
			if err := json.Unmarshal([]byte(accInput), &input); err == nil {
				toolPart.State.Input = input
			}
		}
		toolPart.State.Status = types.ToolStateRunning
		l.savePart(ctx, state.message.ID, toolPart)
	}

	if finishReason == "" {
		if len(currentToolParts) > 0 {
			finishReason = "tool-calls"
		} else {
			finishReason = "stop"
		}
	}
	if finishReason == "tool_use" {
		finishReason = "tool-calls"
	}

	return finishReason, nil
}

func (l *Loop) processChunk(
	ctx context.Context,
	msg *schema.Message,
	state *turnState,
	callback TurnCallback,
	currentTextPart **types.TextPart,
	currentReasoningPart **types.ReasoningPart,
	currentToolParts map[string]*types.ToolPart,
	accumulatedContent *string,
	accumulatedToolInputs map[string]string,
) string {
	var finishReason string

	if msg.Content != "" {
		if *currentTextPart == nil {
			now := time.Now().UnixMilli()
			*currentTextPart = &types.TextPart{
				ID:        ulid.Make().String(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "text",
				Text:      msg.Content,
				Time:      types.PartTime{Start: &now},
			}
			state.parts = append(state.parts, *currentTextPart)
			*accumulatedContent = msg.Content
			event.Publish(event.Event{Type: event.TextDelta, SessionID: state.message.SessionID, Data: event.TextDeltaData{Delta: msg.Content, Accumulated: msg.Content}})
			callback(state.message, state.parts)
		} else {
			var delta string
			if strings.HasPrefix(msg.Content, *accumulatedContent) {
				delta = msg.Content[len(*accumulatedContent):]
				(*currentTextPart).Text = msg.Content
				*accumulatedContent = msg.Content
			} else {
				delta = msg.Content
				*accumulatedContent += msg.Content
				(*currentTextPart).Text = *accumulatedContent
			}
			event.Publish(event.Event{Type: event.TextDelta, SessionID: state.message.SessionID, Data: event.TextDeltaData{Delta: delta, Accumulated: *accumulatedContent}})
			callback(state.message, state.parts)
		}
	}

	if msg.ReasoningContent != "" {
		if *currentReasoningPart == nil {
			now := time.Now().UnixMilli()
			*currentReasoningPart = &types.ReasoningPart{
				ID:        ulid.Make().String(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "reasoning",
				Text:      msg.ReasoningContent,
				Time:      types.PartTime{Start: &now},
			}
			state.parts = append(state.parts, *currentReasoningPart)
		} else {
			(*currentReasoningPart).Text = msg.ReasoningContent
		}
		event.Publish(event.Event{Type: event.Reasoning, SessionID: state.message.SessionID, Data: event.ReasoningData{Content: msg.ReasoningContent}})
		callback(state.message, state.parts)
	}

	for _, tc := range msg.ToolCalls {
		var lookupKey string
		if tc.Index != nil {
			lookupKey = fmt.Sprintf("idx:%d", *tc.Index)
		} else {
			lookupKey = tc.ID
		}
		if lookupKey == "" {
			continue
		}

		toolPart, exists := currentToolParts[lookupKey]

		if !exists && tc.ID != "" && tc.Function.Name != "" {
			now := time.Now().UnixMilli()
			toolPart = &types.ToolPart{
				ID:         ulid.Make().String(),
				SessionID:  state.message.SessionID,
				MessageID:  state.message.ID,
				Type:       "tool",
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				State: types.ToolCallState{
					Status: types.ToolStatePending,
					Input:  make(map[string]any),
					Time:   types.PartTime{Start: &now},
				},
			}
			currentToolParts[lookupKey] = toolPart
			currentToolParts[tc.ID] = toolPart
			accumulatedToolInputs[tc.ID] = ""
			state.parts = append(state.parts, toolPart)
			callback(state.message, state.parts)
		}

		if tc.Function.Arguments != "" && toolPart != nil {
			accumulatedToolInputs[toolPart.ToolCallID] += tc.Function.Arguments
			toolPart.State.Raw = accumulatedToolInputs[toolPart.ToolCallID]

			var input map[string]any
			if err := json.Unmarshal([]byte(accumulatedToolInputs[toolPart.ToolCallID]), &input); err == nil {
				toolPart.State.Input = input
			}
			callback(state.message, state.parts)
		}
	}

	if msg.ResponseMeta != nil {
		if state.message.Tokens == nil {
			state.message.Tokens = &types.TokenUsage{}
		}
		if msg.ResponseMeta.Usage != nil {
			state.message.Tokens.Input = msg.ResponseMeta.Usage.PromptTokens
			state.message.Tokens.Output = msg.ResponseMeta.Usage.CompletionTokens
		}
		if msg.ResponseMeta.FinishReason != "" {
			finishReason = msg.ResponseMeta.FinishReason
		}
	}

	return finishReason
}
