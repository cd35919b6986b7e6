package distiller

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opencode-ai/opencode/internal/storage"
)

// Storage persists SessionState across normalized table-like path
// namespaces plus a legacy full-JSON snapshot, grounded on the teacher's
// atomic-write file-KV (internal/storage.Storage).
type Storage struct {
	kv *storage.Storage
}

func NewStorage(kv *storage.Storage) *Storage {
	return &Storage{kv: kv}
}

// goalRow mirrors one row of the §4.9.3 l1_goals table, keeping the
// denormalized session_id + parent linkage needed for reconstruction.
type goalRow struct {
	Goal           *Goal  `json:"goal"`
	ParentGoalID   string `json:"parent_goal_id,omitempty"`
	StackPosition  int    `json:"stack_position"`
}

type fileContextRow struct {
	*FileContext
}

// Persist writes both the normalized tables and the legacy full-JSON
// snapshot (Open Question (b): both are written, normalized is read
// first on reconstruction).
func (s *Storage) Persist(state *SessionState) error {
	ctx := context.Background()

	if err := s.kv.Put(ctx, []string{"l1_sessions", state.SessionID}, legacySession(state)); err != nil {
		return fmt.Errorf("distiller: persist legacy session: %w", err)
	}

	var flattenGoals func(goals []*Goal, parentID string)
	idx := 0
	flattenGoals = func(goals []*Goal, parentID string) {
		for _, g := range goals {
			row := goalRow{Goal: g, ParentGoalID: parentID, StackPosition: idx}
			idx++
			if err := s.kv.Put(ctx, []string{"l1_goals", state.SessionID, g.ID}, row); err != nil {
				continue
			}
			flattenGoals(g.SubGoals, g.ID)
		}
	}
	flattenGoals(state.GoalStack, "")

	for i, d := range state.Decisions {
		_ = s.kv.Put(ctx, []string{"l1_decisions", state.SessionID, strconv.Itoa(i)}, d)
	}
	for i, e := range state.Errors {
		_ = s.kv.Put(ctx, []string{"l1_errors", state.SessionID, strconv.Itoa(i)}, e)
	}
	for path, fc := range state.FileContexts {
		_ = s.kv.Put(ctx, []string{"l1_file_contexts", state.SessionID, sanitizeKey(path)}, fileContextRow{fc})
	}
	for i, q := range state.OpenQuestions {
		_ = s.kv.Put(ctx, []string{"l1_questions", state.SessionID, strconv.Itoa(i)}, q)
	}

	return nil
}

type legacySessionBlob struct {
	SessionID string        `json:"session_id"`
	State     *SessionState `json:"state_json"`
}

func legacySession(state *SessionState) legacySessionBlob {
	return legacySessionBlob{SessionID: state.SessionID, State: state}
}

// Reconstruct materializes SessionState from the normalized tables,
// falling back to the legacy JSON blob when no normalized rows exist.
func (s *Storage) Reconstruct(sessionID string) (*SessionState, error) {
	ctx := context.Background()

	goalIDs, _ := s.kv.List(ctx, []string{"l1_goals", sessionID})
	if len(goalIDs) == 0 {
		var blob legacySessionBlob
		if err := s.kv.Get(ctx, []string{"l1_sessions", sessionID}, &blob); err == nil && blob.State != nil {
			return blob.State, nil
		}
		return NewSessionState(sessionID), nil
	}

	state := NewSessionState(sessionID)

	rows := make(map[string]goalRow)
	byParent := make(map[string][]string)
	for _, id := range goalIDs {
		var row goalRow
		if err := s.kv.Get(ctx, []string{"l1_goals", sessionID, id}, &row); err != nil {
			continue
		}
		rows[id] = row
		byParent[row.ParentGoalID] = append(byParent[row.ParentGoalID], id)
	}
	var build func(parentID string) []*Goal
	build = func(parentID string) []*Goal {
		var out []*Goal
		for _, id := range byParent[parentID] {
			g := rows[id].Goal
			g.SubGoals = build(id)
			out = append(out, g)
		}
		return out
	}
	state.GoalStack = build("")

	decisionIDs, _ := s.kv.List(ctx, []string{"l1_decisions", sessionID})
	for _, id := range decisionIDs {
		var d Decision
		if err := s.kv.Get(ctx, []string{"l1_decisions", sessionID, id}, &d); err == nil {
			state.Decisions = append(state.Decisions, d)
		}
	}

	errIDs, _ := s.kv.List(ctx, []string{"l1_errors", sessionID})
	for _, id := range errIDs {
		var e ErrorEntry
		if err := s.kv.Get(ctx, []string{"l1_errors", sessionID, id}, &e); err == nil {
			state.Errors = append(state.Errors, e)
		}
	}

	fileKeys, _ := s.kv.List(ctx, []string{"l1_file_contexts", sessionID})
	for _, key := range fileKeys {
		var fc fileContextRow
		if err := s.kv.Get(ctx, []string{"l1_file_contexts", sessionID, key}, &fc); err == nil && fc.FileContext != nil {
			state.FileContexts[fc.Path] = fc.FileContext
		}
	}

	qIDs, _ := s.kv.List(ctx, []string{"l1_questions", sessionID})
	for _, id := range qIDs {
		var q OpenQuestion
		if err := s.kv.Get(ctx, []string{"l1_questions", sessionID, id}, &q); err == nil {
			state.OpenQuestions = append(state.OpenQuestions, q)
		}
	}

	var blob legacySessionBlob
	if err := s.kv.Get(ctx, []string{"l1_sessions", sessionID}, &blob); err == nil && blob.State != nil {
		state.Narrative = blob.State.Narrative
		state.UpdatedAt = blob.State.UpdatedAt
	}

	return state, nil
}

// RecordGoalProgress appends to the append-only l1_goal_progress table.
func (s *Storage) RecordGoalProgress(sessionID, goalID string, seq int, note string) error {
	return s.kv.Put(context.Background(), []string{"l1_goal_progress", sessionID, strconv.Itoa(seq)}, map[string]any{
		"goal_id": goalID,
		"note":    note,
	})
}

// RecordFileChange appends to the append-only l1_file_changes table.
func (s *Storage) RecordFileChange(sessionID string, seq int, path, kind string) error {
	return s.kv.Put(context.Background(), []string{"l1_file_changes", sessionID, strconv.Itoa(seq)}, map[string]any{
		"path": path,
		"kind": kind,
	})
}

// PruneSnapshots is a no-op for the per-session-row storage layout used
// here — unlike the legacy source's versioned-snapshot list, every table
// row is upserted in place (keyed by session_id), so there is no separate
// snapshot history to garbage-collect. Kept as an explicit method so the
// §4.9.2 "keep at most max_snapshots_per_session" policy has a single call
// site if a future snapshot-history table is added.
func (s *Storage) PruneSnapshots(sessionID string, maxSnapshots int) error {
	return nil
}

func sanitizeKey(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' || c == '\\' || c == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "root"
	}
	return string(out)
}
