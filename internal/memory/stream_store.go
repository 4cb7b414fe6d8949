package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulse/internal/embedding"
	"pulse/internal/logging"
	"pulse/internal/stream"
)

// StreamStore keeps memories in the append-only memory stream and runs
// vector search inside the database. Deletion is a soft-delete marker
// because rows cannot be removed from an append-only stream.
type StreamStore struct {
	client    stream.Client
	embedder  embedding.Provider
	threshold float64
	logger    logging.Logger
}

// NewStreamStore creates a stream-backed memory store.
func NewStreamStore(client stream.Client, embedder embedding.Provider, threshold float64) *StreamStore {
	return &StreamStore{
		client:    client,
		embedder:  embedder,
		threshold: threshold,
		logger:    logging.NewComponentLogger("Memory"),
	}
}

func (s *StreamStore) Available() bool {
	return s.embedder != nil && s.embedder.Available()
}

func (s *StreamStore) Store(ctx context.Context, req StoreRequest) (string, error) {
	if s.embedder == nil {
		return "", ErrEmbedderUnavailable
	}
	normalizeStore(&req)

	emb, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	if req.CheckDuplicates {
		// The dedup decision is on raw cosine similarity. The hybrid score
		// would let a low-importance near-duplicate slip through as novel.
		existing, err := s.searchByEmbedding(ctx, emb, SearchRequest{Limit: 1})
		if err != nil {
			s.logger.Warn("duplicate check failed, storing anyway: %v", err)
		} else if len(existing) > 0 && existing[0].Similarity >= s.threshold {
			s.logger.Debug("duplicate memory suppressed: existing=%s similarity=%.3f", existing[0].ID, existing[0].Similarity)
			return existing[0].ID, nil
		}
	}

	memoryID := uuid.NewString()
	row := stream.Row{
		"id":                memoryID,
		"memory_type":       req.MemoryType,
		"category":          req.Category,
		"content":           req.Content,
		"source_session_id": req.SourceSessionID,
		"embedding":         emb,
		"importance":        req.Importance,
		"is_deleted":        false,
	}
	if err := s.client.Insert(ctx, stream.MemoryStream, []stream.Row{row}); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	s.logger.Info("stored memory: id=%s type=%s category=%s importance=%.2f",
		memoryID, req.MemoryType, req.Category, req.Importance)
	return memoryID, nil
}

func (s *StreamStore) Search(ctx context.Context, req SearchRequest) ([]Memory, error) {
	if s.embedder == nil {
		return nil, ErrEmbedderUnavailable
	}
	emb, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}
	results, err := s.searchByEmbedding(ctx, emb, req)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("memory search: query=%q results=%d", truncate(req.Query, 50), len(results))
	return results, nil
}

func (s *StreamStore) searchByEmbedding(ctx context.Context, emb []float32, req SearchRequest) ([]Memory, error) {
	if req.Limit <= 0 {
		req.Limit = 5
	}

	conditions := []string{
		fmt.Sprintf("importance >= %g", req.MinImportance),
		notDeleted(),
	}
	if len(req.MemoryTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("memory_type IN (%s)", quoteList(req.MemoryTypes)))
	}
	if len(req.Categories) > 0 {
		conditions = append(conditions, fmt.Sprintf("category IN (%s)", quoteList(req.Categories)))
	}

	embStr := formatEmbedding(emb)
	sql := fmt.Sprintf(`SELECT
    id,
    content,
    memory_type,
    category,
    importance,
    source_session_id,
    timestamp,
    cosine_distance(embedding, %s) as distance,
    (1 - cosine_distance(embedding, %s)) * importance as score
FROM table(%s)
WHERE %s
ORDER BY score DESC
LIMIT %d`, embStr, embStr, stream.MemoryStream, strings.Join(conditions, " AND "), req.Limit)

	rows, err := s.client.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	memories := make([]Memory, 0, len(rows))
	for _, row := range rows {
		m := memoryFromRow(row)
		m.Similarity = 1 - rowFloat(row, "distance")
		m.Score = rowFloat(row, "score")
		memories = append(memories, m)
	}
	return memories, nil
}

func (s *StreamStore) BySession(ctx context.Context, sessionID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	sql := fmt.Sprintf(`SELECT id, content, memory_type, category, importance, source_session_id, timestamp
FROM table(%s)
WHERE source_session_id = %s AND %s
ORDER BY timestamp DESC
LIMIT %d`, stream.MemoryStream, stream.QuoteString(sessionID), notDeleted(), limit)

	rows, err := s.client.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("memories by session: %w", err)
	}
	return rowsToMemories(rows), nil
}

func (s *StreamStore) Recent(ctx context.Context, limit int, memoryTypes []string) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	conditions := []string{notDeleted()}
	if len(memoryTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("memory_type IN (%s)", quoteList(memoryTypes)))
	}
	sql := fmt.Sprintf(`SELECT id, content, memory_type, category, importance, source_session_id, timestamp
FROM table(%s)
WHERE %s
ORDER BY timestamp DESC
LIMIT %d`, stream.MemoryStream, strings.Join(conditions, " AND "), limit)

	rows, err := s.client.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	return rowsToMemories(rows), nil
}

// MarkDeleted appends a tombstone row reusing the memory's id. Read paths
// drop an id once any of its rows is marked deleted.
func (s *StreamStore) MarkDeleted(ctx context.Context, memoryID string) error {
	row := stream.Row{
		"id":                memoryID,
		"memory_type":       "tombstone",
		"category":          CategoryGeneral,
		"content":           "",
		"source_session_id": "",
		"embedding":         []float32{},
		"importance":        0.0,
		"is_deleted":        true,
	}
	if err := s.client.Insert(ctx, stream.MemoryStream, []stream.Row{row}); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	s.logger.Info("marked memory deleted: id=%s", memoryID)
	return nil
}

// notDeleted excludes every id that has a tombstone row. A plain
// `is_deleted = false` would drop only the tombstone itself, not the
// original row sharing its id.
func notDeleted() string {
	return fmt.Sprintf("id NOT IN (SELECT id FROM table(%s) WHERE is_deleted = true)", stream.MemoryStream)
}

func formatEmbedding(emb []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range emb {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = stream.QuoteString(v)
	}
	return strings.Join(quoted, ", ")
}

func rowsToMemories(rows []stream.Row) []Memory {
	memories := make([]Memory, 0, len(rows))
	for _, row := range rows {
		memories = append(memories, memoryFromRow(row))
	}
	return memories
}

func memoryFromRow(row stream.Row) Memory {
	m := Memory{
		ID:              rowString(row, "id"),
		Content:         rowString(row, "content"),
		MemoryType:      rowString(row, "memory_type"),
		Category:        rowString(row, "category"),
		Importance:      rowFloat(row, "importance"),
		SourceSessionID: rowString(row, "source_session_id"),
	}
	if ts := rowString(row, "timestamp"); ts != "" {
		for _, layout := range []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05", time.RFC3339Nano} {
			if t, err := time.Parse(layout, ts); err == nil {
				m.Timestamp = t
				break
			}
		}
	}
	return m
}

func rowString(row stream.Row, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowFloat(row stream.Row, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
