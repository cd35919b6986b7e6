// Package contextwindow implements the context-window/token-budget manager
// (§4.5): token accounting and deterministic oldest-first pruning that
// preserves the tool-call/tool-result pairing invariant (P1, P4).
package contextwindow

import (
	"github.com/opencode-ai/opencode/pkg/types"
	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultAlertThreshold    = 0.70
	DefaultCriticalThreshold = 0.85
	DefaultKeepLastTurns     = 6
)

// Manager tracks token usage against a model's context window and prunes
// history when utilization crosses a threshold.
type Manager struct {
	WindowTokens      int
	AlertThreshold    float64
	CriticalThreshold float64
	KeepLastTurns     int

	encoding *tiktoken.Tiktoken // nil if unresolved; falls back to heuristic
}

func New(windowTokens int, modelID string) *Manager {
	m := &Manager{
		WindowTokens:      windowTokens,
		AlertThreshold:    DefaultAlertThreshold,
		CriticalThreshold: DefaultCriticalThreshold,
		KeepLastTurns:     DefaultKeepLastTurns,
	}
	if enc, err := tiktoken.EncodingForModel(modelID); err == nil {
		m.encoding = enc
	}
	return m
}

// EstimateTokens counts tokens for a string. Falls back to the teacher's
// len/4 heuristic when no tiktoken encoding could be resolved for the
// configured model — tiktoken-go only ships a fixed model list and an
// unrecognized model id must not fail the turn.
func (m *Manager) EstimateTokens(text string) int {
	if m.encoding != nil {
		return len(m.encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// Utilization returns the fraction of the window consumed by history.
func (m *Manager) Utilization(history []types.Message) float64 {
	if m.WindowTokens <= 0 {
		return 0
	}
	total := 0
	for _, msg := range history {
		if msg.Tokens != nil {
			total += msg.Tokens.Input + msg.Tokens.Output
		}
	}
	return float64(total) / float64(m.WindowTokens)
}

// PruneResult reports what EnforceContextWindow did.
type PruneResult struct {
	Pruned            bool
	MessagesRemoved   int
	UtilizationBefore float64
	UtilizationAfter  float64
}

// EnforceContextWindow drops oldest user/assistant pairs when utilization
// is at or above AlertThreshold, preserving: the initial user prompt, the
// last KeepLastTurns turns, and any assistant reasoning/tool-call still
// paired with its tool-result. Tool-call ids are extracted from
// types.ToolPart content embedded in message parts, which callers attach
// out of band (the Message type itself is pairing-agnostic) via the
// parts map, keyed by message ID.
func (m *Manager) EnforceContextWindow(history []types.Message, parts map[string][]types.Part) ([]types.Message, PruneResult) {
	before := m.Utilization(history)
	if before < m.AlertThreshold || len(history) == 0 {
		return history, PruneResult{UtilizationBefore: before, UtilizationAfter: before}
	}

	keepFromIdx := len(history) - m.KeepLastTurns
	if keepFromIdx < 1 {
		// Nothing safe to prune beyond the initial prompt.
		return history, PruneResult{UtilizationBefore: before, UtilizationAfter: before}
	}

	// Always keep index 0 (initial user prompt).
	keep := map[int]bool{0: true}
	for i := keepFromIdx; i < len(history); i++ {
		keep[i] = true
	}

	// Extend keep-set so that every kept tool-call has its matching
	// tool-result (and vice versa), scanning outward from the initial
	// pruning boundary.
	openCallIDs := map[string]int{}
	for i, msg := range history {
		for _, p := range parts[msg.ID] {
			if tp, ok := p.(*types.ToolPart); ok {
				if _, kept := keep[i]; !kept {
					continue
				}
				openCallIDs[tp.ToolCallID] = i
			}
		}
	}
	for i, msg := range history {
		if keep[i] {
			continue
		}
		for _, p := range parts[msg.ID] {
			if tp, ok := p.(*types.ToolPart); ok {
				if _, wanted := openCallIDs[tp.ToolCallID]; wanted {
					keep[i] = true
				}
			}
		}
	}

	pruned := make([]types.Message, 0, len(keep))
	removed := 0
	for i, msg := range history {
		if keep[i] {
			pruned = append(pruned, msg)
		} else {
			removed++
		}
	}

	after := m.Utilization(pruned)
	return pruned, PruneResult{
		Pruned:            removed > 0,
		MessagesRemoved:   removed,
		UtilizationBefore: before,
		UtilizationAfter:  after,
	}
}

// Level classifies a utilization ratio for ContextWarning events.
func (m *Manager) Level(utilization float64) string {
	switch {
	case utilization >= m.CriticalThreshold:
		return "critical"
	case utilization >= m.AlertThreshold:
		return "alert"
	default:
		return ""
	}
}
