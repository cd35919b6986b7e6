package distiller

import (
	"strings"
	"time"
)

// EventKind is the closed tagged-union of inputs the L1 processor
// interprets (§4.9.1), distinct from the L0 wire event schema — these are
// the semantic categories capture/boundary detection classify L0 events
// into before handing them to the distiller.
type EventKind string

const (
	EventUserPrompt     EventKind = "user_prompt"
	EventFileEdit       EventKind = "file_edit"
	EventToolCall       EventKind = "tool_call"
	EventAgentReasoning EventKind = "agent_reasoning"
	EventUserFeedback   EventKind = "user_feedback"
	EventErrorRecovery  EventKind = "error_recovery"
	EventAiResponse     EventKind = "ai_response"
	EventSessionEnd     EventKind = "session_end"
	EventCommitBoundary EventKind = "commit_boundary"
)

// FeedbackKind is the UserFeedback sub-variant.
type FeedbackKind string

const (
	FeedbackDeny     FeedbackKind = "deny"
	FeedbackModify   FeedbackKind = "modify"
	FeedbackAnnotate FeedbackKind = "annotate"
	FeedbackApprove  FeedbackKind = "approve"
)

// InputEvent is one unit of work for the rule interpreter / LLM
// interpreter.
type InputEvent struct {
	ID   string
	Kind EventKind

	// UserPrompt
	PromptText string

	// FileEdit
	Path    string
	Summary string

	// ToolCall
	ToolName      string
	Success       bool
	ToolOutput    string
	FilesAccessed []string

	// AgentReasoning
	ReasoningText string
	DecisionType  *DecisionType

	// UserFeedback
	Feedback FeedbackKind
	Comment  string

	// ErrorRecovery
	ErrorMessage string
	Recovery     string
	Resolved     bool

	// AiResponse
	ResponseContent string

	// SessionEnd
	FinalSummary string
}

// Change is a human-readable description of one state mutation, used both
// to log what happened and to decide snapshot triggers (§4.9.2).
type Change string

var approachPhrases = []string{"another approach", "different approach", "try instead", "alternative approach"}
var fallbackPhrases = []string{"fallback", "fall back", "falling back"}
var completionPhrases = []string{"done", "complete", "finished"}

// InterpretRules is the deterministic rule interpreter (§4.9.1),
// independent of any LLM; it is the fallback/authoritative source when no
// LLM is configured or the LLM's output fails to parse.
func InterpretRules(state *SessionState, ev InputEvent) []Change {
	var changes []Change

	switch ev.Kind {
	case EventUserPrompt:
		if len(state.GoalStack) == 0 {
			state.PushRootGoal(&Goal{ID: ev.ID, Description: ev.PromptText, Source: SourceInitialPrompt})
			changes = append(changes, Change("goal added: "+ev.PromptText))
		} else {
			state.Narrative = "User asked: " + ev.PromptText
			changes = append(changes, "narrative updated")
		}

	case EventFileEdit:
		fc := state.UpsertFileContext(ev.Path)
		now := time.Now()
		fc.LastModifiedAt = &now
		if ev.Summary != "" {
			fc.Summary = ev.Summary
		}
		changes = append(changes, Change("file modified: "+ev.Path))

	case EventToolCall:
		now := time.Now()
		for _, path := range ev.FilesAccessed {
			fc := state.UpsertFileContext(path)
			fc.LastReadAt = &now
			if ev.ToolOutput != "" {
				fc.Summary = truncate(ev.ToolOutput, 200)
			}
		}
		if !ev.Success {
			state.AddUnresolvedError(ev.ToolName + " failed: " + ev.ToolOutput)
			changes = append(changes, "error added")
		}

	case EventAgentReasoning:
		classified := classifyDecision(ev.ReasoningText, ev.DecisionType)
		if classified != DecisionNone {
			state.AddDecision(Decision{
				ID:                ev.ID,
				Category:          classified,
				Content:           ev.ReasoningText,
				TriggeringEventID: ev.ID,
				CreatedAt:         time.Now(),
			})
			changes = append(changes, "decision added")
		}
		if containsAny(ev.ReasoningText, completionPhrases) {
			if g := state.CurrentGoal(); g != nil && !g.Completed {
				g.Completed = true
				now := time.Now()
				g.CompletedAt = &now
				changes = append(changes, "goal_completed")
			}
		}
		if q := extractQuestion(ev.ReasoningText); q != "" {
			state.AddOpenQuestion(q)
			changes = append(changes, "open question added")
		}

	case EventUserFeedback:
		switch ev.Feedback {
		case FeedbackDeny:
			state.AddDecision(Decision{ID: ev.ID, Category: DecisionNone, Content: "User denied " + ev.Comment, CreatedAt: time.Now()})
			changes = append(changes, "decision added")
		case FeedbackModify:
			state.PushRootGoal(&Goal{ID: ev.ID, Description: ev.Comment, Source: SourceUserClarification})
			changes = append(changes, "goal added")
		case FeedbackAnnotate:
			state.Narrative = ev.Comment
			changes = append(changes, "narrative updated")
		}

	case EventErrorRecovery:
		if ev.Resolved {
			if state.ResolveErrorByPrefix(ev.ErrorMessage, ev.Recovery) {
				changes = append(changes, "error resolved")
			}
		} else {
			state.AddUnresolvedError(ev.ErrorMessage)
			changes = append(changes, "error added")
		}

	case EventAiResponse:
		if len(ev.ResponseContent) > 50 {
			state.Narrative = truncate(ev.ResponseContent, 200)
			changes = append(changes, "narrative updated")
		}

	case EventSessionEnd:
		if ev.FinalSummary != "" {
			state.Narrative = ev.FinalSummary
		}
		changes = append(changes, "Session ended")
	}

	if len(changes) > 0 {
		state.UpdatedAt = time.Now()
	}
	return changes
}

// classifyDecision implements the §9(c) precedence: ApproachChoice phrases
// are checked before Fallback phrases, matching "trying another approach"
// classifying as ApproachChoice rather than Fallback.
func classifyDecision(content string, explicit *DecisionType) DecisionType {
	if explicit != nil {
		return *explicit
	}
	lower := strings.ToLower(content)
	if containsAny(lower, approachPhrases) {
		return DecisionApproachChoice
	}
	if containsAny(lower, fallbackPhrases) {
		return DecisionFallback
	}
	if strings.Contains(lower, "because") {
		return DecisionTradeoff
	}
	return DecisionNone
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// extractQuestion returns the first '?'-bearing sentence when the text
// looks like it's surfacing an open question.
func extractQuestion(text string) string {
	lower := strings.ToLower(text)
	if !strings.Contains(text, "?") && !strings.Contains(lower, "should we") && !strings.Contains(lower, "unclear") {
		return ""
	}
	idx := strings.IndexByte(text, '?')
	if idx < 0 {
		return ""
	}
	start := 0
	for i := idx - 1; i >= 0; i-- {
		if text[i] == '.' || text[i] == '\n' {
			start = i + 1
			break
		}
	}
	return strings.TrimSpace(text[start : idx+1])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
