package event

import "github.com/opencode-ai/opencode/pkg/types"

// Payload structs for the agentic-loop event schema (§6.3). All JSON tags
// are snake_case per the wire format; omitempty on every optional field.

type StartedData struct {
	TurnID string `json:"turn_id"`
}

type TextDeltaData struct {
	Delta      string `json:"delta"`
	Accumulated string `json:"accumulated"`
}

type ReasoningData struct {
	Content string `json:"content"`
}

type CompletedData struct {
	Response   string `json:"response"`
	TokensUsed *int   `json:"tokens_used,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

type ErrorData struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

type ToolRequestData struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	RequestID string         `json:"request_id"`
	Source    types.ToolSource `json:"source"`
}

type ToolApprovalRequestData struct {
	RequestID  string            `json:"request_id"`
	ToolName   string            `json:"tool_name"`
	Args       map[string]any    `json:"args"`
	Stats      *types.ApprovalPattern `json:"stats,omitempty"`
	RiskLevel  string            `json:"risk_level"`
	CanLearn   bool              `json:"can_learn"`
	Suggestion string            `json:"suggestion,omitempty"`
	Source     types.ToolSource  `json:"source"`
}

type ToolAutoApprovedData struct {
	RequestID string           `json:"request_id"`
	ToolName  string           `json:"tool_name"`
	Args      map[string]any   `json:"args"`
	Reason    string           `json:"reason"`
	Source    types.ToolSource `json:"source"`
}

type ToolDeniedData struct {
	RequestID string           `json:"request_id"`
	ToolName  string           `json:"tool_name"`
	Args      map[string]any   `json:"args"`
	Reason    string           `json:"reason"`
	Source    types.ToolSource `json:"source"`
}

type ToolResultData struct {
	ToolName  string           `json:"tool_name"`
	Result    any              `json:"result"`
	Success   bool             `json:"success"`
	RequestID string           `json:"request_id"`
	Source    types.ToolSource `json:"source"`
}

type SubAgentStartedData struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Task      string `json:"task"`
}

type SubAgentOutputData struct {
	AgentID string `json:"agent_id"`
	Chunk   string `json:"chunk"`
}

type SubAgentCompletedData struct {
	AgentID string `json:"agent_id"`
	Result  string `json:"result"`
}

type SubAgentErrorData struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type ContextPrunedData struct {
	MessagesRemoved   int     `json:"messages_removed"`
	UtilizationBefore float64 `json:"utilization_before"`
	UtilizationAfter  float64 `json:"utilization_after"`
}

type ContextWarningData struct {
	Utilization float64 `json:"utilization"`
	Level       string  `json:"level"` // "alert" | "critical"
}

type ToolResponseTruncatedData struct {
	ToolName     string `json:"tool_name"`
	OriginalLen  int    `json:"original_len"`
	TruncatedLen int    `json:"truncated_len"`
}

type LoopWarningData struct {
	ToolName    string `json:"tool_name"`
	RepeatCount int    `json:"repeat_count"`
}

type LoopBlockedData struct {
	ToolName    string `json:"tool_name"`
	RepeatCount int    `json:"repeat_count"`
	Suggestion  string `json:"suggestion"`
}

type MaxIterationsReachedData struct {
	Iterations int `json:"iterations"`
}
