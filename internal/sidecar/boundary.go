package sidecar

import (
	"strings"
	"time"
)

const (
	DefaultMinEvents          = 3
	DefaultPauseThresholdSecs = 60
)

var completionPhrases = []string{"done", "complete", "finished", "completed"}

// BoundaryDetector implements §4.10: per-session rolling state that emits
// a commit boundary on a completion signal, a user approve feedback, a
// session end, or a pause, each gated on having accumulated enough edits.
// No direct teacher analogue; shaped like permission/doom_loop.go's
// rolling per-session counters that reset on emission.
type BoundaryDetector struct {
	MinEvents          int
	PauseThresholdSecs int

	editedPaths   map[string]bool
	lastEventTime time.Time
}

func NewBoundaryDetector() *BoundaryDetector {
	return &BoundaryDetector{
		MinEvents:          DefaultMinEvents,
		PauseThresholdSecs: DefaultPauseThresholdSecs,
		editedPaths:        make(map[string]bool),
		lastEventTime:      time.Now(),
	}
}

// RecordEdit marks a path as edited since the last boundary.
func (b *BoundaryDetector) RecordEdit(path string) {
	b.editedPaths[path] = true
	b.lastEventTime = time.Now()
}

func (b *BoundaryDetector) editCount() int { return len(b.editedPaths) }

// CheckReasoning evaluates rule (a): a completion signal in reasoning text
// with enough accumulated edits.
func (b *BoundaryDetector) CheckReasoning(content string) bool {
	b.lastEventTime = time.Now()
	lower := strings.ToLower(content)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return b.editCount() >= b.MinEvents
		}
	}
	return false
}

// CheckApprove evaluates rule (b): a user Approve feedback event.
func (b *BoundaryDetector) CheckApprove() bool {
	b.lastEventTime = time.Now()
	return b.editCount() >= b.MinEvents
}

// CheckSessionEnd evaluates rule (c): session end with at least one edit.
func (b *BoundaryDetector) CheckSessionEnd() bool {
	return b.editCount() >= 1
}

// CheckPause evaluates rule (d): idle beyond PauseThresholdSecs with
// enough accumulated edits. Callers poll this periodically.
func (b *BoundaryDetector) CheckPause() bool {
	if b.editCount() < b.MinEvents {
		return false
	}
	return time.Since(b.lastEventTime) >= time.Duration(b.PauseThresholdSecs)*time.Second
}

// Emit returns the current edited-path set and resets it, to be called
// whenever any Check* method reports a boundary.
func (b *BoundaryDetector) Emit() []string {
	paths := make([]string, 0, len(b.editedPaths))
	for p := range b.editedPaths {
		paths = append(paths, p)
	}
	b.editedPaths = make(map[string]bool)
	return paths
}
