package tool

import (
	"encoding/json"
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/pkg/types"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
	storage *storage.Storage
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, ToolInfoFor(t))
	}
	return infos, nil
}

// ToolInfoFor builds the Eino tool-calling schema for a single tool,
// routing its JSON-schema parameters through SanitizeSchema first so the
// model never sees an unresolved anyOf/allOf/oneOf combinator.
func ToolInfoFor(t Tool) *schema.ToolInfo {
	params := parseJSONSchemaToParams(t.Parameters())
	return &schema.ToolInfo{
		Name:        t.ID(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

// Definitions returns the pre-sanitized ToolDefinition (spec §3) for
// every registered tool.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(SanitizeSchema(t.Parameters()), &schemaMap); err != nil {
			schemaMap = map[string]any{}
		}
		defs = append(defs, types.ToolDefinition{
			Name:        t.ID(),
			Description: t.Description(),
			Schema:      schemaMap,
		})
	}
	return defs
}

// SanitizeSchema enforces the ToolDefinition invariant (spec §3): a
// tool's JSON schema must carry no top-level anyOf/allOf/oneOf
// combinator, and any property-level oneOf collapses to its first
// variant. Providers that reject unresolved combinators (and simpler
// ones that just ignore them) both get a schema they can act on.
func SanitizeSchema(schemaJSON json.RawMessage) json.RawMessage {
	if len(schemaJSON) == 0 {
		return schemaJSON
	}

	var raw map[string]any
	if err := json.Unmarshal(schemaJSON, &raw); err != nil {
		return schemaJSON
	}

	delete(raw, "anyOf")
	delete(raw, "allOf")
	delete(raw, "oneOf")

	if props, ok := raw["properties"].(map[string]any); ok {
		for name, v := range props {
			prop, ok := v.(map[string]any)
			if !ok {
				continue
			}
			variants, ok := prop["oneOf"].([]any)
			if !ok || len(variants) == 0 {
				continue
			}
			collapsed := make(map[string]any, len(prop))
			for k, pv := range prop {
				if k == "oneOf" {
					continue
				}
				collapsed[k] = pv
			}
			if first, ok := variants[0].(map[string]any); ok {
				for k, fv := range first {
					collapsed[k] = fv
				}
			}
			props[name] = collapsed
		}
	}

	out, err := json.Marshal(raw)
	if err != nil {
		return schemaJSON
	}
	return json.RawMessage(out)
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage) *Registry {
	r := NewRegistry(workDir, store)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	logging.Debug().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("default registry created")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	logging.Debug().Msg("registered task tool")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["Task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			logging.Debug().Msg("task executor configured")
		}
	}
}
