package distiller

import (
	"fmt"

	"github.com/opencode-ai/opencode/internal/event"
)

// Bridge subscribes a Processor to the session event bus, translating the
// wire event schema (§6.3) into distiller InputEvents. Grounded on the
// sidecar package's Capture, which does the same translation for the L0
// journal — the two sidecars (L0 journal, L1 distiller) listen to the
// same bus independently, per §4.9.
type Bridge struct {
	proc *Processor
}

// NewBridge constructs a Bridge over an already-running Processor.
func NewBridge(proc *Processor) *Bridge {
	return &Bridge{proc: proc}
}

// Subscribe registers the bridge's handlers on bus and returns an
// unsubscribe func.
func (b *Bridge) Subscribe(bus *event.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(event.ToolResult, b.onToolResult),
		bus.Subscribe(event.Reasoning, b.onReasoning),
		bus.Subscribe(event.Completed, b.onCompleted),
		bus.Subscribe(event.ToolDenied, b.onToolDenied),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bridge) onToolResult(ev event.Event) {
	d, ok := ev.Data.(event.ToolResultData)
	if !ok {
		return
	}
	var files []string
	if m, ok := d.Result.(map[string]any); ok {
		if f, ok := m["files_accessed"].([]string); ok {
			files = f
		}
	}
	b.proc.ProcessEvent(ev.SessionID, InputEvent{
		ID:            d.RequestID,
		Kind:          EventToolCall,
		ToolName:      d.ToolName,
		Success:       d.Success,
		ToolOutput:    fmt.Sprintf("%v", d.Result),
		FilesAccessed: files,
	})
}

func (b *Bridge) onReasoning(ev event.Event) {
	d, ok := ev.Data.(event.ReasoningData)
	if !ok {
		return
	}
	b.proc.ProcessEvent(ev.SessionID, InputEvent{
		Kind:          EventAgentReasoning,
		ReasoningText: d.Content,
	})
}

func (b *Bridge) onCompleted(ev event.Event) {
	d, ok := ev.Data.(event.CompletedData)
	if !ok {
		return
	}
	b.proc.ProcessEvent(ev.SessionID, InputEvent{
		Kind:            EventAiResponse,
		ResponseContent: d.Response,
	})
}

func (b *Bridge) onToolDenied(ev event.Event) {
	d, ok := ev.Data.(event.ToolDeniedData)
	if !ok {
		return
	}
	b.proc.ProcessEvent(ev.SessionID, InputEvent{
		Kind:     EventUserFeedback,
		Feedback: FeedbackDeny,
		Comment:  d.Reason,
	})
}
