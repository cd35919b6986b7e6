// Package distiller implements the session-state distiller (Layer 1): an
// event-driven normalized projection of goals, decisions, errors, open
// questions, and file understanding, with snapshot persistence and
// recovery.
package distiller

import "time"

// GoalSource is the closed tagged-union of where a Goal came from.
type GoalSource string

const (
	SourceInitialPrompt    GoalSource = "initial_prompt"
	SourceUserClarification GoalSource = "user_clarification"
	SourceInferred         GoalSource = "inferred"
	SourceDerived          GoalSource = "derived"
)

const maxGoalDepth = 8

// Goal is a node in the tree-shaped goal stack.
type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Source      GoalSource `json:"source"`
	Priority    int        `json:"priority"`
	BlockedBy   string     `json:"blocked_by,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SubGoals    []*Goal    `json:"sub_goals,omitempty"`
}

// DecisionType classifies a recorded Decision.
type DecisionType string

const (
	DecisionApproachChoice DecisionType = "approach_choice"
	DecisionTradeoff       DecisionType = "tradeoff"
	DecisionFallback       DecisionType = "fallback"
	DecisionAssumption     DecisionType = "assumption"
	DecisionNone           DecisionType = "none"
)

// Decision is an append-only log entry.
type Decision struct {
	ID                string       `json:"id"`
	Category          DecisionType `json:"category"`
	Content           string       `json:"content"`
	Confidence        float64      `json:"confidence"`
	Reversible        bool         `json:"reversible"`
	Alternatives      []string     `json:"alternatives,omitempty"`
	TriggeringEventID string       `json:"triggering_event_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// UnderstandingLevel describes how well a file's purpose is understood.
type UnderstandingLevel string

const (
	UnderstandingNone    UnderstandingLevel = "none"
	UnderstandingSkimmed UnderstandingLevel = "skimmed"
	UnderstandingRead    UnderstandingLevel = "read"
	UnderstandingDeep    UnderstandingLevel = "deep"
)

// FileContext tracks per-file distilled understanding.
type FileContext struct {
	Path               string             `json:"path"`
	Summary            string             `json:"summary,omitempty"`
	Relevance          float64            `json:"relevance"`
	UnderstandingLevel UnderstandingLevel `json:"understanding_level"`
	KeyExports         []string           `json:"key_exports,omitempty"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	LastReadAt         *time.Time         `json:"last_read_at,omitempty"`
	LastModifiedAt     *time.Time         `json:"last_modified_at,omitempty"`
}

// ErrorEntry records an error and its eventual resolution.
type ErrorEntry struct {
	ID         string     `json:"id"`
	Message    string     `json:"message"`
	Resolved   bool       `json:"resolved"`
	Resolution string     `json:"resolution,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// OpenQuestion is an unresolved question surfaced from reasoning.
type OpenQuestion struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionState is the L1 normalized projection (§3).
type SessionState struct {
	SessionID     string                  `json:"session_id"`
	GoalStack     []*Goal                 `json:"goal_stack"`
	Narrative     string                  `json:"narrative"`
	Decisions     []Decision              `json:"decisions"`
	FileContexts  map[string]*FileContext `json:"file_contexts"`
	Errors        []ErrorEntry            `json:"errors"`
	OpenQuestions []OpenQuestion          `json:"open_questions"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:    sessionID,
		FileContexts: make(map[string]*FileContext),
		UpdatedAt:    time.Now(),
	}
}

// PushRootGoal appends a new root goal, respecting the "at most one
// unfinished root goal at the top of the stack" invariant by allowing
// multiple roots but keeping the newest unfinished one last.
func (s *SessionState) PushRootGoal(g *Goal) {
	s.GoalStack = append(s.GoalStack, g)
}

// CurrentGoal returns the last unfinished root goal. When every root goal
// is completed it returns the last root goal; it returns nil only for an
// empty stack.
func (s *SessionState) CurrentGoal() *Goal {
	for i := len(s.GoalStack) - 1; i >= 0; i-- {
		if !s.GoalStack[i].Completed {
			return s.GoalStack[i]
		}
	}
	if len(s.GoalStack) > 0 {
		return s.GoalStack[len(s.GoalStack)-1]
	}
	return nil
}

// AddDecision appends to the decisions log. Append-only: callers must
// never mutate or remove prior entries.
func (s *SessionState) AddDecision(d Decision) {
	s.Decisions = append(s.Decisions, d)
}

// UpsertFileContext creates or updates a FileContext for path.
func (s *SessionState) UpsertFileContext(path string) *FileContext {
	fc, ok := s.FileContexts[path]
	if !ok {
		fc = &FileContext{Path: path, UnderstandingLevel: UnderstandingNone}
		s.FileContexts[path] = fc
	}
	return fc
}

// AddUnresolvedError records a new unresolved error.
func (s *SessionState) AddUnresolvedError(message string) {
	s.Errors = append(s.Errors, ErrorEntry{
		Message:   message,
		CreatedAt: time.Now(),
	})
}

// ResolveErrorByPrefix finds the most recent unresolved error whose message
// has the given prefix and marks it resolved exactly once (errors move at
// most once from unresolved to resolved).
func (s *SessionState) ResolveErrorByPrefix(prefix, resolution string) bool {
	for i := len(s.Errors) - 1; i >= 0; i-- {
		e := &s.Errors[i]
		if !e.Resolved && len(e.Message) >= len(prefix) && e.Message[:len(prefix)] == prefix {
			e.Resolved = true
			e.Resolution = resolution
			now := time.Now()
			e.ResolvedAt = &now
			return true
		}
	}
	return false
}

// AddOpenQuestion appends a new open question.
func (s *SessionState) AddOpenQuestion(text string) {
	s.OpenQuestions = append(s.OpenQuestions, OpenQuestion{Text: text, CreatedAt: time.Now()})
}
