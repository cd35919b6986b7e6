package sidecar

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const maxDiffChars = 4000

// generateDiff implements §4.7.1: create synthesizes a full-additions
// unified diff, modify computes a line-based unified diff from a
// pre-snapshot, delete emits removals. Truncated to maxDiffChars with a
// trailing ellipsis marker. Grounded on the teacher's
// session/tools.go computeDiff/generateUnifiedDiff (diffmatchpatch,
// 3-line-context hunks).
func generateDiff(kind string, path, before, after string) string {
	var diff string
	switch kind {
	case "create":
		diff = unifiedDiff(path, "", after)
	case "delete":
		diff = unifiedDiff(path, before, "")
	default: // modify
		diff = unifiedDiff(path, before, after)
	}
	return truncateDiff(diff)
}

func unifiedDiff(path, before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	return formatUnifiedDiff(diffs, path)
}

type diffLine struct {
	text string
	op   diffmatchpatch.Operation
}

// formatUnifiedDiff renders diffmatchpatch's line diff as a simple
// line-by-line unified diff with 3 lines of context — not Myers-minimal,
// but sufficient for inspection per §4.7.1.
func formatUnifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	hasChanges := false
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return ""
	}

	var lines []diffLine
	for _, d := range diffs {
		parts := strings.Split(d.Text, "\n")
		if len(parts) > 0 && parts[len(parts)-1] == "" {
			parts = parts[:len(parts)-1]
		}
		for _, p := range parts {
			lines = append(lines, diffLine{text: p, op: d.Type})
		}
	}

	const contextLines = 3
	var out strings.Builder
	fmt.Fprintf(&out, "--- a/%s\n+++ b/%s\n", path, path)

	oldLine, newLine := 1, 1
	i := 0
	for i < len(lines) {
		if lines[i].op == diffmatchpatch.DiffEqual {
			oldLine++
			newLine++
			i++
			continue
		}
		// Start of a change run: back up to include context.
		start := i
		ctxStart := start
		for j := 0; j < contextLines && ctxStart > 0; j++ {
			ctxStart--
		}
		end := start
		for end < len(lines) && lines[end].op != diffmatchpatch.DiffEqual {
			end++
		}
		ctxEnd := end
		for j := 0; j < contextLines && ctxEnd < len(lines); j++ {
			if lines[ctxEnd].op != diffmatchpatch.DiffEqual {
				break
			}
			ctxEnd++
		}

		oldCount, newCount := 0, 0
		for k := ctxStart; k < ctxEnd; k++ {
			switch lines[k].op {
			case diffmatchpatch.DiffEqual:
				oldCount++
				newCount++
			case diffmatchpatch.DiffDelete:
				oldCount++
			case diffmatchpatch.DiffInsert:
				newCount++
			}
		}
		fmt.Fprintf(&out, "@@ -%d,%d +%d,%d @@\n", oldLine-(start-ctxStart), oldCount, newLine-(start-ctxStart), newCount)
		for k := ctxStart; k < ctxEnd; k++ {
			switch lines[k].op {
			case diffmatchpatch.DiffEqual:
				fmt.Fprintf(&out, " %s\n", lines[k].text)
			case diffmatchpatch.DiffDelete:
				fmt.Fprintf(&out, "-%s\n", lines[k].text)
			case diffmatchpatch.DiffInsert:
				fmt.Fprintf(&out, "+%s\n", lines[k].text)
			}
		}
		oldLine += oldCount - (start - ctxStart)
		newLine += newCount - (start - ctxStart)
		i = ctxEnd
	}
	return out.String()
}

func truncateDiff(diff string) string {
	if len(diff) <= maxDiffChars {
		return diff
	}
	return diff[:maxDiffChars] + "\n...[truncated]"
}
