package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"pulse/internal/embedding"
	"pulse/internal/logging"
)

// LocalStore keeps memories in an embedded chromem-go vector database. It
// is the zero-infrastructure backend for development and single-host runs;
// BySession and Recent are served from an in-process index persisted as a
// JSON sidecar, since chromem exposes no way to list a collection.
type LocalStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embedding.Provider
	threshold  float64
	indexPath  string
	logger     logging.Logger

	mu      sync.Mutex
	records map[string]Memory
}

// NewLocalStore creates a chromem-backed memory store. An empty path keeps
// everything in memory.
func NewLocalStore(path string, embedder embedding.Provider, threshold float64) (*LocalStore, error) {
	var db *chromem.DB
	var err error
	if path != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(path, "memory.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open local memory store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		if embedder == nil {
			return nil, ErrEmbedderUnavailable
		}
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection("memories", nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("create memory collection: %w", err)
	}

	s := &LocalStore{
		db:         db,
		collection: collection,
		embedder:   embedder,
		threshold:  threshold,
		logger:     logging.NewComponentLogger("Memory"),
		records:    map[string]Memory{},
	}
	if path != "" {
		s.indexPath = filepath.Join(path, "memory_index.json")
		s.loadIndex()
	}
	return s, nil
}

// loadIndex restores the BySession/Recent index from the sidecar file. A
// missing or unreadable file starts the index empty.
func (s *LocalStore) loadIndex() {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("memory index unreadable, starting empty: %v", err)
		}
		return
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		s.logger.Warn("memory index corrupt, starting empty: %v", err)
		s.records = map[string]Memory{}
	}
}

// saveIndexLocked writes the index sidecar. Callers hold s.mu.
func (s *LocalStore) saveIndexLocked() {
	if s.indexPath == "" {
		return
	}
	data, err := json.Marshal(s.records)
	if err != nil {
		s.logger.Warn("memory index not saved: %v", err)
		return
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("memory index not saved: %v", err)
		return
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		s.logger.Warn("memory index not saved: %v", err)
	}
}

func (s *LocalStore) Available() bool {
	return s.embedder != nil && s.embedder.Available()
}

func (s *LocalStore) Store(ctx context.Context, req StoreRequest) (string, error) {
	if s.embedder == nil {
		return "", ErrEmbedderUnavailable
	}
	normalizeStore(&req)

	emb, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	if req.CheckDuplicates {
		existing, err := s.queryCandidates(ctx, req.Content, 1)
		if err != nil {
			s.logger.Warn("duplicate check failed, storing anyway: %v", err)
		} else if len(existing) > 0 && existing[0].Similarity >= s.threshold {
			s.logger.Debug("duplicate memory suppressed: existing=%s similarity=%.3f", existing[0].ID, existing[0].Similarity)
			return existing[0].ID, nil
		}
	}

	memoryID := uuid.NewString()
	now := time.Now().UTC()
	err = s.collection.AddDocument(ctx, chromem.Document{
		ID:        memoryID,
		Content:   req.Content,
		Embedding: emb,
		Metadata: map[string]string{
			"memory_type":       req.MemoryType,
			"category":          req.Category,
			"importance":        strconv.FormatFloat(req.Importance, 'g', -1, 64),
			"source_session_id": req.SourceSessionID,
			"timestamp":         now.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	s.mu.Lock()
	s.records[memoryID] = Memory{
		ID:              memoryID,
		Content:         req.Content,
		MemoryType:      req.MemoryType,
		Category:        req.Category,
		Importance:      req.Importance,
		SourceSessionID: req.SourceSessionID,
		Timestamp:       now,
	}
	s.saveIndexLocked()
	s.mu.Unlock()

	s.logger.Info("stored memory: id=%s type=%s category=%s importance=%.2f",
		memoryID, req.MemoryType, req.Category, req.Importance)
	return memoryID, nil
}

func (s *LocalStore) Search(ctx context.Context, req SearchRequest) ([]Memory, error) {
	if s.embedder == nil {
		return nil, ErrEmbedderUnavailable
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}

	// Over-fetch so post-filtering by importance and type still fills limit.
	candidates, err := s.queryCandidates(ctx, req.Query, req.Limit*4)
	if err != nil {
		return nil, err
	}

	typeAllow := toSet(req.MemoryTypes)
	categoryAllow := toSet(req.Categories)

	filtered := make([]Memory, 0, len(candidates))
	for _, m := range candidates {
		if m.Importance < req.MinImportance {
			continue
		}
		if typeAllow != nil && !typeAllow[m.MemoryType] {
			continue
		}
		if categoryAllow != nil && !categoryAllow[m.Category] {
			continue
		}
		filtered = append(filtered, m)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	return filtered, nil
}

func (s *LocalStore) queryCandidates(ctx context.Context, query string, limit int) ([]Memory, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	memories := make([]Memory, 0, len(results))
	for _, r := range results {
		m := Memory{
			ID:              r.ID,
			Content:         r.Content,
			MemoryType:      r.Metadata["memory_type"],
			Category:        r.Metadata["category"],
			SourceSessionID: r.Metadata["source_session_id"],
			Similarity:      float64(r.Similarity),
		}
		m.Importance, _ = strconv.ParseFloat(r.Metadata["importance"], 64)
		if t, err := time.Parse(time.RFC3339Nano, r.Metadata["timestamp"]); err == nil {
			m.Timestamp = t
		}
		m.Score = m.Similarity * m.Importance
		memories = append(memories, m)
	}
	return memories, nil
}

func (s *LocalStore) BySession(_ context.Context, sessionID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.snapshot(limit, func(m Memory) bool {
		return m.SourceSessionID == sessionID
	}), nil
}

func (s *LocalStore) Recent(_ context.Context, limit int, memoryTypes []string) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	typeAllow := toSet(memoryTypes)
	return s.snapshot(limit, func(m Memory) bool {
		return typeAllow == nil || typeAllow[m.MemoryType]
	}), nil
}

func (s *LocalStore) MarkDeleted(ctx context.Context, memoryID string) error {
	if err := s.collection.Delete(ctx, nil, nil, memoryID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	s.mu.Lock()
	delete(s.records, memoryID)
	s.saveIndexLocked()
	s.mu.Unlock()
	s.logger.Info("marked memory deleted: id=%s", memoryID)
	return nil
}

func (s *LocalStore) snapshot(limit int, keep func(Memory) bool) []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories := make([]Memory, 0, len(s.records))
	for _, m := range s.records {
		if keep(m) {
			memories = append(memories, m)
		}
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].Timestamp.After(memories[j].Timestamp)
	})
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
