// Package executor provides task execution implementations.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/agentic"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

// SubagentExecutor implements tool.TaskExecutor to run subagent tasks. It
// dispatches into the same agentic.Processor the main turn uses (§4.6.4),
// so sub-agent turns share the process-wide policy engine, approval
// history, and loop guard instead of constructing their own.
type SubagentExecutor struct {
	storage       *storage.Storage
	processor     *agentic.Processor
	agentRegistry *agent.Registry
	workDir       string

	defaultProviderID string
	defaultModelID    string
}

// SubagentExecutorConfig holds configuration for creating a SubagentExecutor.
type SubagentExecutorConfig struct {
	Storage           *storage.Storage
	Processor         *agentic.Processor
	AgentRegistry     *agent.Registry
	WorkDir           string
	DefaultProviderID string
	DefaultModelID    string
}

// NewSubagentExecutor creates a new SubagentExecutor.
func NewSubagentExecutor(cfg SubagentExecutorConfig) *SubagentExecutor {
	return &SubagentExecutor{
		storage:           cfg.Storage,
		processor:         cfg.Processor,
		agentRegistry:     cfg.AgentRegistry,
		workDir:           cfg.WorkDir,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
	}
}

// ExecuteSubtask implements tool.TaskExecutor.ExecuteSubtask.
// It creates a child session, runs the subagent turn, and returns the result.
func (e *SubagentExecutor) ExecuteSubtask(
	ctx context.Context,
	parentSessionID string,
	agentName string,
	prompt string,
	opts tool.TaskOptions,
) (*tool.TaskResult, error) {
	agentConfig, err := e.agentRegistry.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("agent not found: %s: %w", agentName, err)
	}

	if !agentConfig.IsSubagent() {
		return nil, fmt.Errorf("agent %s cannot be used as subagent (mode: %s)", agentName, agentConfig.Mode)
	}

	childSession, err := e.createChildSession(ctx, parentSessionID, agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to create child session: %w", err)
	}

	turnAgent := convertToTurnAgent(agentConfig)
	turnAgent.Prompt = prompt

	providerID, modelID := e.resolveModel(opts.Model)

	userMsg, err := e.createUserMessage(ctx, childSession, prompt, providerID, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}

	var responseParts []types.Part
	var responseMsg *types.Message

	err = e.processor.Process(ctx, childSession.ID, turnAgent, opts.Depth, func(msg *types.Message, parts []types.Part) {
		responseMsg = msg
		responseParts = parts
	})

	if err != nil {
		return &tool.TaskResult{
			Output:    fmt.Sprintf("Error executing subtask: %s", err.Error()),
			SessionID: childSession.ID,
			Error:     err.Error(),
			Metadata: map[string]any{
				"parentSessionID": parentSessionID,
				"userMessageID":   userMsg.ID,
			},
		}, nil
	}

	output := extractTextContent(responseParts)

	result := &tool.TaskResult{
		Output:    output,
		SessionID: childSession.ID,
		AgentID:   agentName,
		Metadata: map[string]any{
			"parentSessionID": parentSessionID,
			"userMessageID":   userMsg.ID,
		},
	}
	if responseMsg != nil {
		result.Metadata["assistantMessageID"] = responseMsg.ID
	}
	return result, nil
}

// createChildSession creates a new session as a child of the parent session.
func (e *SubagentExecutor) createChildSession(ctx context.Context, parentSessionID string, agentName string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	sessionID := ulid.Make().String()

	var parentSession types.Session
	var directory string

	projects, err := e.storage.List(ctx, []string{"session"})
	if err == nil {
		for _, projectID := range projects {
			if err := e.storage.Get(ctx, []string{"session", projectID, parentSessionID}, &parentSession); err == nil {
				directory = parentSession.Directory
				break
			}
		}
	}

	if directory == "" {
		directory = e.workDir
	}

	projectID := hashDirectory(directory)

	sess := &types.Session{
		ID:        sessionID,
		ProjectID: projectID,
		Directory: directory,
		Title:     fmt.Sprintf("Subtask: %s", agentName),
		ParentID:  &parentSessionID,
		Version:   "1",
		Summary: types.SessionSummary{
			Additions: 0,
			Deletions: 0,
			Files:     0,
		},
		Time: types.SessionTime{
			Created: now,
			Updated: now,
		},
	}

	if err := e.storage.Put(ctx, []string{"session", projectID, sess.ID}, sess); err != nil {
		return nil, fmt.Errorf("failed to save child session: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: sess},
	})

	return sess, nil
}

// createUserMessage creates a user message with the prompt.
func (e *SubagentExecutor) createUserMessage(
	ctx context.Context,
	sess *types.Session,
	prompt string,
	providerID string,
	modelID string,
) (*types.Message, error) {
	now := time.Now().UnixMilli()
	msgID := ulid.Make().String()

	msg := &types.Message{
		ID:        msgID,
		SessionID: sess.ID,
		Role:      "user",
		Model: &types.ModelRef{
			ProviderID: providerID,
			ModelID:    modelID,
		},
		Time: types.MessageTime{
			Created: now,
		},
	}

	if err := e.storage.Put(ctx, []string{"message", sess.ID, msg.ID}, msg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	partID := ulid.Make().String()
	textPart := &types.TextPart{
		ID:        partID,
		SessionID: sess.ID,
		MessageID: msg.ID,
		Type:      "text",
		Text:      prompt,
	}

	if err := e.storage.Put(ctx, []string{"part", msg.ID, partID}, textPart); err != nil {
		return nil, fmt.Errorf("failed to save text part: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: msg},
	})

	event.PublishSync(event.Event{
		Type: event.PartUpdated,
		Data: event.MessagePartUpdatedData{Part: textPart},
	})

	return msg, nil
}

// resolveModel resolves provider and model IDs from the options.
func (e *SubagentExecutor) resolveModel(modelOption string) (providerID, modelID string) {
	providerID = e.defaultProviderID
	modelID = e.defaultModelID

	switch modelOption {
	case "sonnet":
		modelID = "claude-sonnet-4-20250514"
	case "opus":
		modelID = "claude-opus-4-20250514"
	case "haiku":
		modelID = "claude-haiku-3-20240307"
	default:
		// Keep defaults
	}

	return providerID, modelID
}

// convertToTurnAgent converts agent.Agent to the agentic package's lighter
// Agent shape: sampling defaults and tool eligibility, no permission-action
// config (superseded process-wide by the policy engine).
func convertToTurnAgent(a *agent.Agent) *agentic.Agent {
	var enabledTools []string
	var disabledTools []string

	hasWildcard := false
	wildcardEnabled := false

	for t, enabled := range a.Tools {
		if t == "*" {
			hasWildcard = true
			wildcardEnabled = enabled
			continue
		}
		if enabled {
			enabledTools = append(enabledTools, t)
		} else {
			disabledTools = append(disabledTools, t)
		}
	}

	if hasWildcard && wildcardEnabled {
		enabledTools = nil
	}

	return &agentic.Agent{
		Name:          a.Name,
		Prompt:        a.Prompt,
		Temperature:   a.Temperature,
		TopP:          a.TopP,
		MaxSteps:      50,
		Tools:         enabledTools,
		DisabledTools: disabledTools,
		IsSubagent:    true,
	}
}

// extractTextContent extracts text content from response parts.
func extractTextContent(parts []types.Part) string {
	var texts []string
	for _, part := range parts {
		switch p := part.(type) {
		case *types.TextPart:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

// hashDirectory creates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
