// Package sidecar implements the observability sidecar (Layer 0): an
// append-only, async, embeddable event journal over a columnar vector
// store, feeding a commit-boundary detector and periodic checkpointer.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/pkg/types"
)

const (
	tableEvents      = "events"
	tableCheckpoints = "checkpoints"
	tableSessions    = "sessions"
)

// SessionEvent is the §3 L0 record. Embedding is populated at write time
// only when an embedding.Provider is available; otherwise left nil.
type SessionEvent struct {
	ID            string         `json:"id"` // UUID v4
	SessionID     string         `json:"session_id"`
	TimestampMS   int64          `json:"timestamp_ms"`
	EventType     event.EventType `json:"event_type"`
	Content       string         `json:"content"` // human-readable, <=500 chars
	Cwd           string         `json:"cwd,omitempty"`
	ToolOutput    string         `json:"tool_output,omitempty"` // <=2000 chars
	FilesAccessed []string       `json:"files_accessed,omitempty"`
	FilesModified []string       `json:"files_modified,omitempty"`
	Diff          string         `json:"diff,omitempty"` // <=4000 chars
	EventData     json.RawMessage `json:"event_data_json,omitempty"`
	Embedding     []float32      `json:"embedding,omitempty"`
	ToolSource    types.ToolSource `json:"source"`
}

// Checkpoint is an LLM-synthesized summary of a contiguous event window.
type Checkpoint struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"session_id"`
	TimestampMS  int64    `json:"timestamp_ms"`
	Summary      string   `json:"summary"`
	EventIDs     []string `json:"event_ids_json"`
	FilesTouched []string `json:"files_touched_json,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// SidecarSession tracks the lifecycle of a journaled session.
type SidecarSession struct {
	ID              string   `json:"id"`
	StartedAtMS     int64    `json:"started_at_ms"`
	EndedAtMS       *int64   `json:"ended_at_ms,omitempty"`
	InitialRequest  string   `json:"initial_request"`
	WorkspacePath   string   `json:"workspace_path"`
	EventCount      int      `json:"event_count"`
	CheckpointCount int      `json:"checkpoint_count"`
	FilesTouched    []string `json:"files_touched_json,omitempty"`
	FinalSummary    string   `json:"final_summary,omitempty"`
}

// Store is the columnar vector-store-backed L0 storage, one chromem
// collection per table, adapted from kadirpekel-hector's ChromemProvider
// (single flat collection) into three named tables per spec §4.8/§6.5.
type Store struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// StoreConfig configures persistence. Empty PersistPath means in-memory
// only (acceptable: the spec's own Non-goals exclude crash-consistent
// storage — "best-effort append").
type StoreConfig struct {
	PersistPath string
	Compress    bool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("sidecar: creating persist dir: %w", err)
		}
		dbPath := filepath.Join(cfg.PersistPath, "vectors.gob")
		if cfg.Compress {
			dbPath += ".gz"
		}
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &Store{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("sidecar: embedding func invoked but vectors are always pre-computed")
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if c, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	c, err := s.db.GetOrCreateCollection(name, nil, chromem.EmbeddingFunc(identityEmbed))
	if err != nil {
		return nil, fmt.Errorf("sidecar: get/create collection %q: %w", name, err)
	}
	s.collections[name] = c
	return c, nil
}

func (s *Store) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := filepath.Join(s.persistPath, "vectors.gob")
	if s.compress {
		dbPath += ".gz"
	}
	//nolint:staticcheck // kept for compatibility with the chromem-go version in use
	return s.db.Export(dbPath, s.compress, "")
}

func rowMetadata(row any) (content string, meta map[string]string, err error) {
	blob, err := json.Marshal(row)
	if err != nil {
		return "", nil, err
	}
	meta = map[string]string{"row": string(blob)}
	return string(blob), meta, nil
}

// SaveEvents appends a batch of events; rows are never updated afterward.
func (s *Store) SaveEvents(ctx context.Context, events []SessionEvent) error {
	col, err := s.collection(tableEvents)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(events))
	for _, ev := range events {
		content, meta, err := rowMetadata(ev)
		if err != nil {
			return fmt.Errorf("sidecar: marshal event %s: %w", ev.ID, err)
		}
		meta["session_id"] = ev.SessionID
		meta["event_type"] = string(ev.EventType)
		docs = append(docs, chromem.Document{
			ID:        ev.ID,
			Content:   content,
			Metadata:  meta,
			Embedding: ev.Embedding,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("sidecar: save events: %w", err)
	}
	return s.persist()
}

func unmarshalRow[T any](meta map[string]string) (T, error) {
	var out T
	raw, ok := meta["row"]
	if !ok {
		return out, fmt.Errorf("sidecar: row metadata missing")
	}
	err := json.Unmarshal([]byte(raw), &out)
	return out, err
}

// GetSessionEvents scans events for a session, sorted ascending by
// timestamp.
func (s *Store) GetSessionEvents(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	col, err := s.collection(tableEvents)
	if err != nil {
		return nil, err
	}
	var out []SessionEvent
	col.Range(ctx, func(doc chromem.Document) bool {
		if doc.Metadata["session_id"] != sessionID {
			return true
		}
		ev, err := unmarshalRow[SessionEvent](doc.Metadata)
		if err == nil {
			out = append(out, ev)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS < out[j].TimestampMS })
	return out, nil
}

// SearchEventsKeyword does a case-insensitive substring search over event
// content (the closest embeddable equivalent of SQL LIKE available without
// a SQL engine), sorted descending by timestamp.
func (s *Store) SearchEventsKeyword(ctx context.Context, query string, limit int) ([]SessionEvent, error) {
	col, err := s.collection(tableEvents)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []SessionEvent
	col.Range(ctx, func(doc chromem.Document) bool {
		ev, err := unmarshalRow[SessionEvent](doc.Metadata)
		if err != nil {
			return true
		}
		if strings.Contains(strings.ToLower(ev.Content), q) {
			out = append(out, ev)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS > out[j].TimestampMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchEventsVector does nearest-neighbor search over the embedding
// column.
func (s *Store) SearchEventsVector(ctx context.Context, vec [384]float32, limit int) ([]SessionEvent, error) {
	col, err := s.collection(tableEvents)
	if err != nil {
		return nil, err
	}
	results, err := col.QueryEmbedding(ctx, vec[:], limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("sidecar: vector search: %w", err)
	}
	out := make([]SessionEvent, 0, len(results))
	for _, r := range results {
		ev, err := unmarshalRow[SessionEvent](r.Metadata)
		if err == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SearchEventsHybrid combines nearest-neighbor search with a keyword
// post-filter.
func (s *Store) SearchEventsHybrid(ctx context.Context, vec [384]float32, keyword string, limit int) ([]SessionEvent, error) {
	candidates, err := s.SearchEventsVector(ctx, vec, limit*4+limit)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(keyword)
	var out []SessionEvent
	for _, ev := range candidates {
		if keyword == "" || strings.Contains(strings.ToLower(ev.Content), q) {
			out = append(out, ev)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CleanupOldEvents deletes events older than cutoffMS.
func (s *Store) CleanupOldEvents(ctx context.Context, cutoffMS int64) error {
	col, err := s.collection(tableEvents)
	if err != nil {
		return err
	}
	var toDelete []string
	col.Range(ctx, func(doc chromem.Document) bool {
		ev, err := unmarshalRow[SessionEvent](doc.Metadata)
		if err == nil && ev.TimestampMS < cutoffMS {
			toDelete = append(toDelete, doc.ID)
		}
		return true
	})
	if len(toDelete) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, toDelete...); err != nil {
		return fmt.Errorf("sidecar: cleanup old events: %w", err)
	}
	return s.persist()
}

// CreateEventsIndex would build an IVF_PQ index once the events table
// reaches 256 rows (num_partitions = clamp(floor(sqrt(n)), 1, 256), 16
// sub-vectors per §4.8). chromem-go exposes no approximate-index API, and
// no other pack library ships one embeddable in pure Go, so this is a
// documented no-op rather than a real index build.
func (s *Store) CreateEventsIndex(ctx context.Context) error {
	return nil
}

// SaveCheckpoint persists a single checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	col, err := s.collection(tableCheckpoints)
	if err != nil {
		return err
	}
	content, meta, err := rowMetadata(cp)
	if err != nil {
		return err
	}
	meta["session_id"] = cp.SessionID
	doc := chromem.Document{ID: cp.ID, Content: content, Metadata: meta, Embedding: cp.Embedding}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("sidecar: save checkpoint: %w", err)
	}
	return s.persist()
}

// GetSessionCheckpoints returns all checkpoints for a session.
func (s *Store) GetSessionCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	col, err := s.collection(tableCheckpoints)
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	col.Range(ctx, func(doc chromem.Document) bool {
		if doc.Metadata["session_id"] != sessionID {
			return true
		}
		cp, err := unmarshalRow[Checkpoint](doc.Metadata)
		if err == nil {
			out = append(out, cp)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS < out[j].TimestampMS })
	return out, nil
}

// UpsertSession creates or replaces the sessions-table row for a session.
func (s *Store) UpsertSession(ctx context.Context, sess SidecarSession) error {
	col, err := s.collection(tableSessions)
	if err != nil {
		return err
	}
	content, meta, err := rowMetadata(sess)
	if err != nil {
		return err
	}
	doc := chromem.Document{ID: sess.ID, Content: content, Metadata: meta}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("sidecar: upsert session: %w", err)
	}
	return s.persist()
}

// GetSession fetches a session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (SidecarSession, bool, error) {
	col, err := s.collection(tableSessions)
	if err != nil {
		return SidecarSession{}, false, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return SidecarSession{}, false, nil
	}
	sess, err := unmarshalRow[SidecarSession](doc.Metadata)
	if err != nil {
		return SidecarSession{}, false, err
	}
	return sess, true, nil
}

// Close persists the database and releases resources.
func (s *Store) Close() error {
	return s.persist()
}
