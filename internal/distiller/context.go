package distiller

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxInjectableContextChars is the hard P8 cap on GetInjectableContext's
// output length.
const MaxInjectableContextChars = 2000

const maxRecentFileContexts = 3

// GetInjectableContext renders a markdown summary of state for injection
// into the next turn's prompt (§4.9.4): current goal with sub-goal
// checklist, last narrative line, the most recently touched file contexts,
// open questions, and the most recent decision. Hard-capped at
// MaxInjectableContextChars (P8).
func GetInjectableContext(state *SessionState) string {
	if state == nil {
		return ""
	}

	var b strings.Builder

	if g := state.CurrentGoal(); g != nil {
		b.WriteString("## Current goal\n")
		writeGoalChecklist(&b, g, 0)
		b.WriteString("\n")
	}

	if state.Narrative != "" {
		fmt.Fprintf(&b, "## Narrative\n%s\n\n", state.Narrative)
	}

	if len(state.FileContexts) > 0 {
		b.WriteString("## Recent files\n")
		for _, fc := range recentFileContexts(state.FileContexts, maxRecentFileContexts) {
			summary := fc.Summary
			if summary == "" {
				summary = string(fc.UnderstandingLevel)
			}
			fmt.Fprintf(&b, "- %s: %s\n", fc.Path, summary)
		}
		b.WriteString("\n")
	}

	if len(state.OpenQuestions) > 0 {
		b.WriteString("## Open questions\n")
		for _, q := range state.OpenQuestions {
			fmt.Fprintf(&b, "- %s\n", q.Text)
		}
		b.WriteString("\n")
	}

	if len(state.Decisions) > 0 {
		last := state.Decisions[len(state.Decisions)-1]
		fmt.Fprintf(&b, "## Last decision\n- (%s) %s\n", last.Category, last.Content)
	}

	out := strings.TrimSpace(b.String())
	if r := []rune(out); len(r) > MaxInjectableContextChars {
		out = string(r[:MaxInjectableContextChars])
	}
	return out
}

func writeGoalChecklist(b *strings.Builder, g *Goal, depth int) {
	indent := strings.Repeat("  ", depth)
	mark := "[ ]"
	if g.Completed {
		mark = "[x]"
	}
	fmt.Fprintf(b, "%s- %s %s\n", indent, mark, g.Description)
	for _, sub := range g.SubGoals {
		writeGoalChecklist(b, sub, depth+1)
	}
}

func recentFileContexts(m map[string]*FileContext, limit int) []*FileContext {
	out := make([]*FileContext, 0, len(m))
	for _, fc := range m {
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool {
		return recentTime(out[i]).After(recentTime(out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func recentTime(fc *FileContext) time.Time {
	var t time.Time
	if fc.LastModifiedAt != nil && fc.LastModifiedAt.After(t) {
		t = *fc.LastModifiedAt
	}
	if fc.LastReadAt != nil && fc.LastReadAt.After(t) {
		t = *fc.LastReadAt
	}
	return t
}
