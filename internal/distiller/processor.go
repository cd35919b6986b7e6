package distiller

import (
	"context"
	"sync"

	"github.com/opencode-ai/opencode/internal/logging"
)

const (
	DefaultSnapshotInterval      = 10
	DefaultMaxSnapshotsPerSession = 50
)

var significantChangeMarkers = []string{"goal", "complete", "decision", "error resolved", "error added"}

// Interpreter is the optional LLM-guided interpretation hook (§9 "LLM
// guided state updates"); the rule interpreter is authoritative when this
// is nil or returns an error.
type Interpreter interface {
	Interpret(ctx context.Context, state *SessionState, ev InputEvent) (*SessionState, []Change, error)
}

type mailboxMsg struct {
	processEvent *InputEvent
	sessionID    string

	takeSnapshot   bool
	snapshotReason string

	initSession    bool
	initialRequest string

	endSession bool

	shutdown chan struct{}
}

// Processor is the dedicated async task of §4.9, driven by a typed
// mailbox. Grounded on the same single-goroutine mailbox idiom as
// sidecar.Processor.
type Processor struct {
	store       *Storage
	interpreter Interpreter

	mu     sync.Mutex
	states map[string]*SessionState

	snapshotCounters map[string]int

	mailbox chan mailboxMsg
}

func NewProcessor(store *Storage, interp Interpreter) *Processor {
	p := &Processor{
		store:            store,
		interpreter:      interp,
		states:           make(map[string]*SessionState),
		snapshotCounters: make(map[string]int),
		mailbox:          make(chan mailboxMsg, 256),
	}
	go p.run()
	return p
}

func (p *Processor) run() {
	for msg := range p.mailbox {
		switch {
		case msg.shutdown != nil:
			close(msg.shutdown)
			return
		case msg.initSession:
			p.handleInit(msg.sessionID, msg.initialRequest)
		case msg.endSession:
			p.handleEnd(msg.sessionID)
		case msg.takeSnapshot:
			p.handleSnapshot(msg.sessionID, msg.snapshotReason)
		case msg.processEvent != nil:
			p.handleEvent(msg.sessionID, *msg.processEvent)
		}
	}
}

func (p *Processor) getOrReconstruct(sessionID string) *SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[sessionID]; ok {
		return s
	}
	s, err := p.store.Reconstruct(sessionID)
	if err != nil || s == nil {
		s = NewSessionState(sessionID)
	}
	p.states[sessionID] = s
	return s
}

func (p *Processor) handleInit(sessionID, initialRequest string) {
	state := p.getOrReconstruct(sessionID)
	if len(state.GoalStack) == 0 && initialRequest != "" {
		InterpretRules(state, InputEvent{Kind: EventUserPrompt, PromptText: initialRequest})
	}
	p.snapshot(sessionID, state, "session_init")
}

func (p *Processor) handleEnd(sessionID string) {
	state := p.getOrReconstruct(sessionID)
	changes := InterpretRules(state, InputEvent{Kind: EventSessionEnd})
	_ = changes
	p.snapshot(sessionID, state, "session_end")
}

func (p *Processor) handleSnapshot(sessionID, reason string) {
	state := p.getOrReconstruct(sessionID)
	p.snapshot(sessionID, state, reason)
}

func (p *Processor) handleEvent(sessionID string, ev InputEvent) {
	state := p.getOrReconstruct(sessionID)

	var changes []Change
	if p.interpreter != nil {
		if updated, llmChanges, err := p.interpreter.Interpret(context.Background(), state, ev); err == nil && updated != nil {
			state = updated
			changes = llmChanges
			p.mu.Lock()
			p.states[sessionID] = state
			p.mu.Unlock()
		} else {
			changes = InterpretRules(state, ev)
		}
	} else {
		changes = InterpretRules(state, ev)
	}

	reason := snapshotTrigger(ev.Kind, changes)
	if reason != "" {
		p.snapshot(sessionID, state, reason)
		p.snapshotCounters[sessionID] = 0
		return
	}
	p.snapshotCounters[sessionID]++
	if p.snapshotCounters[sessionID] >= DefaultSnapshotInterval {
		p.snapshot(sessionID, state, "interval")
		p.snapshotCounters[sessionID] = 0
	}
}

// snapshotTrigger implements §4.9.2: always-snapshot kinds, plus any
// change mentioning a significant marker.
func snapshotTrigger(kind EventKind, changes []Change) string {
	switch kind {
	case EventUserPrompt:
		return "user_prompt"
	case EventSessionEnd:
		return "session_end"
	case EventCommitBoundary:
		return "commit_boundary"
	}
	for _, c := range changes {
		for _, marker := range significantChangeMarkers {
			if containsAny(string(c), []string{marker}) {
				return string(c)
			}
		}
	}
	return ""
}

func (p *Processor) snapshot(sessionID string, state *SessionState, reason string) {
	if err := p.store.Persist(state); err != nil {
		logging.Logger.Error().Err(err).Str("session_id", sessionID).Msg("distiller: snapshot persist failed")
		return
	}
	if err := p.store.PruneSnapshots(sessionID, DefaultMaxSnapshotsPerSession); err != nil {
		logging.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("distiller: snapshot GC failed")
	}
	logging.Logger.Debug().Str("session_id", sessionID).Str("reason", reason).Msg("distiller: snapshot taken")
}

// --- Public mailbox API ---

func (p *Processor) ProcessEvent(sessionID string, ev InputEvent) {
	p.mailbox <- mailboxMsg{sessionID: sessionID, processEvent: &ev}
}

func (p *Processor) TakeSnapshot(sessionID, reason string) {
	p.mailbox <- mailboxMsg{sessionID: sessionID, takeSnapshot: true, snapshotReason: reason}
}

func (p *Processor) InitSession(sessionID, initialRequest string) {
	p.mailbox <- mailboxMsg{sessionID: sessionID, initSession: true, initialRequest: initialRequest}
}

func (p *Processor) EndSession(sessionID string) {
	p.mailbox <- mailboxMsg{sessionID: sessionID, endSession: true}
}

func (p *Processor) Shutdown() {
	done := make(chan struct{})
	p.mailbox <- mailboxMsg{shutdown: done}
	<-done
}

// GetState returns the current in-memory state for a session, reconstructing
// it if not yet loaded. Safe to call concurrently with mailbox processing;
// reads a live pointer, so callers must not mutate it.
func (p *Processor) GetState(sessionID string) *SessionState {
	return p.getOrReconstruct(sessionID)
}
