package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulse/internal/config"
	"pulse/internal/embedding"
	"pulse/internal/stream"
)

// Memory types.
const (
	TypeFact                = "fact"
	TypePreference          = "preference"
	TypeConversationSummary = "conversation_summary"
	TypeSkillLearned        = "skill_learned"
)

// Memory categories.
const (
	CategoryUserInfo = "user_info"
	CategoryProject  = "project"
	CategorySchedule = "schedule"
	CategoryGeneral  = "general"
)

// DefaultSimilarityThreshold is the write-time dedup cutoff on raw cosine
// similarity.
const DefaultSimilarityThreshold = 0.95

// ErrEmbedderUnavailable signals that no embedding provider is configured.
// Callers degrade to operating without memory rather than failing.
var ErrEmbedderUnavailable = errors.New("memory: embedding provider unavailable")

// Memory is one stored long-term fact.
type Memory struct {
	ID              string
	Content         string
	MemoryType      string
	Category        string
	Importance      float64
	SourceSessionID string
	Timestamp       time.Time
	// Similarity is the raw cosine similarity to the search query.
	Similarity float64
	// Score is Similarity weighted by Importance, the ranking key.
	Score float64
}

// StoreRequest describes one memory write.
type StoreRequest struct {
	Content         string
	MemoryType      string
	Category        string
	Importance      float64
	SourceSessionID string
	// CheckDuplicates suppresses the write when an existing memory has raw
	// cosine similarity at or above the threshold; the existing id is
	// returned instead of a new one.
	CheckDuplicates bool
}

// SearchRequest describes one retrieval query.
type SearchRequest struct {
	Query         string
	Limit         int
	MinImportance float64
	MemoryTypes   []string
	Categories    []string
}

// Store is the long-term memory contract.
type Store interface {
	// Available reports whether writes and semantic searches can work.
	Available() bool

	// Store persists a memory and returns its id. With dedup enabled, a
	// near-duplicate returns the existing memory's id and writes nothing.
	Store(ctx context.Context, req StoreRequest) (string, error)

	// Search ranks memories by similarity times importance, descending.
	Search(ctx context.Context, req SearchRequest) ([]Memory, error)

	// BySession returns memories originating from one session, newest first.
	BySession(ctx context.Context, sessionID string, limit int) ([]Memory, error)

	// Recent returns the newest memories, optionally filtered by type.
	Recent(ctx context.Context, limit int, memoryTypes []string) ([]Memory, error)

	// MarkDeleted soft-deletes a memory. Reads never return deleted rows.
	MarkDeleted(ctx context.Context, memoryID string) error
}

// New builds the configured memory backend. A nil embedder yields a store
// that reports itself unavailable for writes and semantic search.
func New(cfg config.MemoryConfig, client stream.Client, embedder embedding.Provider) (Store, error) {
	threshold := cfg.SimilarityThreshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}
	switch cfg.Backend {
	case "stream", "":
		return NewStreamStore(client, embedder, threshold), nil
	case "local":
		return NewLocalStore(cfg.LocalPath, embedder, threshold)
	default:
		return nil, fmt.Errorf("unknown memory backend: %q", cfg.Backend)
	}
}

func normalizeStore(req *StoreRequest) {
	if req.MemoryType == "" {
		req.MemoryType = TypeFact
	}
	if req.Category == "" {
		req.Category = CategoryGeneral
	}
	if req.Importance == 0 {
		req.Importance = 0.5
	}
}
