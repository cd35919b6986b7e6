package sidecar

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	maxContentChars    = 500
	maxToolOutputChars = 2000
)

var editClassTools = map[string]bool{
	"Write": true, "edit": true, "delete_file": true,
}

var readClassTools = map[string]bool{
	"read": true, "list": true, "grep": true, "glob": true,
}

// turnState is the small per-turn bookkeeping capture keeps (§4.7): the
// last tool name/args seen, and any pending pre-edit snapshot needed for
// diff generation.
type turnState struct {
	lastTool     string
	lastArgs     map[string]any
	preSnapshots map[string]string // request_id -> pre-edit file contents
}

// Capture subscribes to the event bus and turns agent-visible events into
// SessionEvents fed to the Processor's buffer.
type Capture struct {
	sessionID string
	proc      *Processor
	nowMS     func() int64

	turns map[string]*turnState // keyed by request_id
}

func NewCapture(sessionID string, proc *Processor, nowMS func() int64) *Capture {
	return &Capture{
		sessionID: sessionID,
		proc:      proc,
		nowMS:     nowMS,
		turns:     make(map[string]*turnState),
	}
}

// Subscribe wires the capture into an event bus and returns an unsubscribe
// function.
func (c *Capture) Subscribe(bus *event.Bus) func() {
	return bus.SubscribeAll(c.handle)
}

func (c *Capture) handle(ev event.Event) {
	switch ev.Type {
	case event.ToolRequest:
		if d, ok := ev.Data.(event.ToolRequestData); ok {
			c.onToolRequest(d)
		}
	case event.ToolResult:
		if d, ok := ev.Data.(event.ToolResultData); ok {
			c.onToolResult(d)
		}
	case event.Reasoning:
		if d, ok := ev.Data.(event.ReasoningData); ok {
			c.onReasoning(d)
		}
	case event.Completed:
		if d, ok := ev.Data.(event.CompletedData); ok {
			c.onCompleted(d)
		}
	case event.ToolAutoApproved:
		if d, ok := ev.Data.(event.ToolAutoApprovedData); ok {
			c.emit(string(event.ToolAutoApproved), truncate(d.Reason, maxContentChars), nil, types.ToolSource{}, "")
		}
	case event.ToolDenied:
		if d, ok := ev.Data.(event.ToolDeniedData); ok {
			c.emit(string(event.ToolDenied), truncate(d.Reason, maxContentChars), nil, d.Source, "")
		}
	case event.Error:
		if d, ok := ev.Data.(event.ErrorData); ok {
			c.emit(string(event.Error), truncate(d.Message, maxContentChars), nil, types.ToolSource{}, "")
		}
	}
}

func (c *Capture) onToolRequest(d event.ToolRequestData) {
	st := &turnState{lastTool: d.ToolName, lastArgs: d.Args, preSnapshots: map[string]string{}}
	c.turns[d.RequestID] = st

	if editClassTools[d.ToolName] {
		if path, ok := pathArg(d.Args); ok {
			if content, err := os.ReadFile(path); err == nil {
				st.preSnapshots[path] = string(content)
			}
		}
	}
}

func (c *Capture) onToolResult(d event.ToolResultData) {
	st, ok := c.turns[d.RequestID]
	if !ok {
		st = &turnState{lastTool: d.ToolName, preSnapshots: map[string]string{}}
	}
	delete(c.turns, d.RequestID)

	toolOutput := truncate(fmt.Sprint(d.Result), maxToolOutputChars)
	var filesAccessed, filesModified []string
	var diff string

	if readClassTools[d.ToolName] {
		if path, ok := pathArg(st.lastArgs); ok {
			filesAccessed = []string{path}
		}
	}
	if editClassTools[d.ToolName] && d.Success {
		if path, ok := pathArg(st.lastArgs); ok {
			filesModified = []string{path}
			before, hadBefore := st.preSnapshots[path]
			after, _ := os.ReadFile(path)
			kind := "modify"
			if !hadBefore {
				kind = "create"
			}
			if d.ToolName == "delete_file" {
				kind = "delete"
			}
			diff = generateDiff(kind, path, before, string(after))
		}
	}

	ev := SessionEvent{
		ID:            uuid.NewString(),
		SessionID:     c.sessionID,
		TimestampMS:   c.nowMS(),
		EventType:     event.ToolResult,
		Content:       truncate(fmt.Sprintf("%s -> success=%v", d.ToolName, d.Success), maxContentChars),
		ToolOutput:    toolOutput,
		FilesAccessed: filesAccessed,
		FilesModified: filesModified,
		Diff:          diff,
		ToolSource:    d.Source,
	}
	c.proc.Enqueue(ev)
}

func (c *Capture) onReasoning(d event.ReasoningData) {
	c.emit(string(event.Reasoning), truncate(d.Content, maxContentChars), nil, types.ToolSource{}, "")
}

func (c *Capture) onCompleted(d event.CompletedData) {
	if strings.TrimSpace(d.Response) == "" {
		return
	}
	content := d.Response
	truncated := false
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
		truncated = true
	}
	ev := SessionEvent{
		ID:          uuid.NewString(),
		SessionID:   c.sessionID,
		TimestampMS: c.nowMS(),
		EventType:   event.Completed,
		Content:     content,
	}
	if truncated {
		ev.Content += " …[truncated]"
	}
	c.proc.Enqueue(ev)
}

func (c *Capture) emit(eventType, content string, data map[string]any, source types.ToolSource, diff string) {
	c.proc.Enqueue(SessionEvent{
		ID:          uuid.NewString(),
		SessionID:   c.sessionID,
		TimestampMS: c.nowMS(),
		EventType:   event.EventType(eventType),
		Content:     content,
		ToolSource:  source,
		Diff:        diff,
	})
}

func pathArg(args map[string]any) (string, bool) {
	for _, key := range []string{"path", "file_path", "file", "target"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

