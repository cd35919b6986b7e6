package types

import "time"

// ToolDefinition describes a callable tool: name, description, and a
// pre-sanitized JSON schema for its arguments.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// ToolPolicy is the static disposition of a tool: whether it may run
// without a prompt.
type ToolPolicy string

const (
	PolicyAllow  ToolPolicy = "allow"
	PolicyPrompt ToolPolicy = "prompt"
	PolicyDeny   ToolPolicy = "deny"
)

// ToolConstraints are optional per-tool argument-level limits applied
// before a tool call is allowed to execute.
type ToolConstraints struct {
	MaxItems           *int     `json:"max_items,omitempty"`
	MaxBytes           *int     `json:"max_bytes,omitempty"`
	AllowedModes       []string `json:"allowed_modes,omitempty"`
	BlockedURLSchemes  []string `json:"blocked_schemes,omitempty"`
	BlockedHosts       []string `json:"blocked_hosts,omitempty"`
	AllowedExtensions  []string `json:"allowed_extensions,omitempty"`
	BlockedPathPattern []string `json:"blocked_patterns,omitempty"`
	TimeoutSeconds     *int     `json:"timeout_seconds,omitempty"`
}

// ApprovalPattern is the learned approval history for one tool.
type ApprovalPattern struct {
	ToolName        string    `json:"tool_name"`
	TotalRequests   int       `json:"total_requests"`
	Approvals       int       `json:"approvals"`
	Denials         int       `json:"denials"`
	AlwaysAllow     bool      `json:"always_allow"`
	LastUpdated     time.Time `json:"last_updated"`
	Justifications  []string  `json:"justifications,omitempty"` // ring buffer, most recent last
	ConsecutiveOK   int       `json:"consecutive_approvals"`
}

// ToolSourceKind discriminates the ToolSource tagged union.
type ToolSourceKind string

const (
	SourceMain     ToolSourceKind = "main"
	SourceSubAgent ToolSourceKind = "sub_agent"
	SourceWorkflow ToolSourceKind = "workflow"
)

// ToolSource attributes a tool-related event to the agentic loop, a
// sub-agent, or a workflow step. Closed tagged union: Kind selects which
// of the remaining fields are populated.
type ToolSource struct {
	Kind ToolSourceKind `json:"type"`

	// SubAgent
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`

	// Workflow
	WorkflowID   string `json:"workflow_id,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	StepName     string `json:"step_name,omitempty"`
	StepIndex    *int   `json:"step_index,omitempty"`
}

// MainSource is the tagged-union value for tool calls issued directly by
// the top-level agentic loop.
func MainSource() ToolSource { return ToolSource{Kind: SourceMain} }

// SubAgentSource builds the tagged-union value for a sub-agent dispatch.
func SubAgentSource(id, name string) ToolSource {
	return ToolSource{Kind: SourceSubAgent, AgentID: id, AgentName: name}
}

// WorkflowSource builds the tagged-union value for a workflow step.
func WorkflowSource(id, name, step string, index *int) ToolSource {
	return ToolSource{Kind: SourceWorkflow, WorkflowID: id, WorkflowName: name, StepName: step, StepIndex: index}
}
