package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/embedding"
	"pulse/internal/stream"
)

// fakeClient records statements and serves canned query results.
type fakeClient struct {
	queries    []string
	inserted   []stream.Row
	queryRows  []stream.Row
	queryErr   error
	insertErr  error
	executeErr error
}

func (f *fakeClient) Execute(_ context.Context, stmt string) error {
	f.queries = append(f.queries, stmt)
	return f.executeErr
}

func (f *fakeClient) Query(_ context.Context, sql string) ([]stream.Row, error) {
	f.queries = append(f.queries, sql)
	return f.queryRows, f.queryErr
}

func (f *fakeClient) Insert(_ context.Context, _ string, rows []stream.Row) error {
	f.inserted = append(f.inserted, rows...)
	return f.insertErr
}

func (f *fakeClient) Stream(_ context.Context, _ string) (*stream.Cursor, error) {
	panic("not used")
}

func TestStreamStoreDedupUsesRawSimilarity(t *testing.T) {
	// Existing near-duplicate with low importance: hybrid score would rank
	// it as barely relevant (0.96 x 0.1), but the dedup decision has to
	// fire on the raw similarity alone.
	client := &fakeClient{
		queryRows: []stream.Row{{
			"id":         "existing-id",
			"content":    "user prefers dark mode",
			"distance":   0.04,
			"score":      0.096,
			"importance": 0.1,
		}},
	}
	store := NewStreamStore(client, embedding.NewStatic(8), 0.95)

	id, err := store.Store(context.Background(), StoreRequest{
		Content:         "user prefers dark mode in the UI",
		Importance:      0.9,
		CheckDuplicates: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
	assert.Empty(t, client.inserted, "duplicate write must be suppressed")
}

func TestStreamStoreStoresWhenBelowThreshold(t *testing.T) {
	client := &fakeClient{
		queryRows: []stream.Row{{
			"id":       "existing-id",
			"distance": 0.5,
			"score":    0.25,
		}},
	}
	store := NewStreamStore(client, embedding.NewStatic(8), 0.95)

	id, err := store.Store(context.Background(), StoreRequest{
		Content:         "completely new fact",
		CheckDuplicates: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, "existing-id", id)
	require.Len(t, client.inserted, 1)
	assert.Equal(t, "completely new fact", client.inserted[0]["content"])
	assert.Equal(t, false, client.inserted[0]["is_deleted"])
}

func TestStreamStoreStoreDefaults(t *testing.T) {
	client := &fakeClient{}
	store := NewStreamStore(client, embedding.NewStatic(8), 0.95)

	_, err := store.Store(context.Background(), StoreRequest{Content: "fact"})
	require.NoError(t, err)
	require.Len(t, client.inserted, 1)
	assert.Equal(t, TypeFact, client.inserted[0]["memory_type"])
	assert.Equal(t, CategoryGeneral, client.inserted[0]["category"])
	assert.InDelta(t, 0.5, client.inserted[0]["importance"], 1e-9)
}

// unavailableEmbedder is a provider that reports itself not ready.
type unavailableEmbedder struct {
	*embedding.Static
}

func (u *unavailableEmbedder) Available() bool { return false }

func TestStreamStoreRequiresEmbedder(t *testing.T) {
	store := NewStreamStore(&fakeClient{}, nil, 0.95)
	assert.False(t, store.Available())

	_, err := store.Store(context.Background(), StoreRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrEmbedderUnavailable)

	_, err = store.Search(context.Background(), SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, ErrEmbedderUnavailable)
}

func TestStreamStoreReflectsProviderAvailability(t *testing.T) {
	ready := NewStreamStore(&fakeClient{}, embedding.NewStatic(4), 0.95)
	assert.True(t, ready.Available())

	notReady := NewStreamStore(&fakeClient{}, &unavailableEmbedder{embedding.NewStatic(4)}, 0.95)
	assert.False(t, notReady.Available())
}

func TestStreamStoreSearchQueryShape(t *testing.T) {
	client := &fakeClient{}
	store := NewStreamStore(client, embedding.NewStatic(4), 0.95)

	_, err := store.Search(context.Background(), SearchRequest{
		Query:         "preferences",
		Limit:         3,
		MinImportance: 0.2,
		MemoryTypes:   []string{TypePreference},
		Categories:    []string{CategoryUserInfo},
	})
	require.NoError(t, err)
	require.Len(t, client.queries, 1)

	sql := client.queries[0]
	assert.Contains(t, sql, "id NOT IN (SELECT id FROM table(memory) WHERE is_deleted = true)")
	assert.Contains(t, sql, "importance >= 0.2")
	assert.Contains(t, sql, "memory_type IN ('preference')")
	assert.Contains(t, sql, "category IN ('user_info')")
	assert.Contains(t, sql, "ORDER BY score DESC")
	assert.Contains(t, sql, "LIMIT 3")
	assert.Contains(t, sql, "* importance as score")
}

func TestStreamStoreReadPathsExcludeTombstonedIDs(t *testing.T) {
	// The tombstone reuses the memory's id, so reads must drop the id
	// wholesale. Matching on the row's own is_deleted flag would keep the
	// original row visible after MarkDeleted.
	client := &fakeClient{}
	store := NewStreamStore(client, embedding.NewStatic(4), 0.95)

	_, err := store.Search(context.Background(), SearchRequest{Query: "anything"})
	require.NoError(t, err)
	_, err = store.BySession(context.Background(), "sess-1", 5)
	require.NoError(t, err)
	_, err = store.Recent(context.Background(), 5, nil)
	require.NoError(t, err)

	require.Len(t, client.queries, 3)
	for _, sql := range client.queries {
		assert.Contains(t, sql, "id NOT IN (SELECT id FROM table(memory) WHERE is_deleted = true)")
		assert.NotContains(t, sql, "is_deleted = false")
	}
}

func TestStreamStoreMarkDeletedAppendsTombstone(t *testing.T) {
	client := &fakeClient{}
	store := NewStreamStore(client, embedding.NewStatic(4), 0.95)

	require.NoError(t, store.MarkDeleted(context.Background(), "mem-1"))
	require.Len(t, client.inserted, 1)
	assert.Equal(t, "mem-1", client.inserted[0]["id"])
	assert.Equal(t, true, client.inserted[0]["is_deleted"])
}

func TestFormatEmbedding(t *testing.T) {
	got := formatEmbedding([]float32{0.5, -1, 0})
	assert.True(t, strings.HasPrefix(got, "["))
	assert.True(t, strings.HasSuffix(got, "]"))
	assert.Equal(t, "[0.5,-1,0]", got)
}
