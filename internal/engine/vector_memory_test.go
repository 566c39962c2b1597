package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sage/internal/storage"
	"github.com/scrypster/sage/internal/storage/sqlite"
	"github.com/scrypster/sage/pkg/types"
)

func newTestVectorMemory(t *testing.T, vocab ...string) (*VectorMemory, *sqlite.FragmentStore, *fakeEmbedder) {
	t.Helper()

	store, err := sqlite.NewFragmentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	embedder := newFakeEmbedder(vocab...)
	memory, err := NewVectorMemory(store, embedder, Weights{})
	require.NoError(t, err)
	return memory, store, embedder
}

func TestVectorMemoryIngestAndRoundTrip(t *testing.T) {
	memory, store, _ := newTestVectorMemory(t, "deploy", "rollback", "database")
	ctx := context.Background()

	n, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## Deploy Guide", Content: "How we deploy services.", SourceFile: "deploy.md"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fragments, err := store.LoadByCollection(ctx, "kb")
	require.NoError(t, err)
	require.Len(t, fragments, 1)

	f := fragments[0]
	assert.Equal(t, 1, f.ChunkIndex, "chunk index is 1-based")
	assert.Equal(t, "deploy.md", f.SourceFile)
	assert.NotNil(t, f.CategoryEmbedding)
	assert.NotNil(t, f.ContentEmbedding)
	assert.NotNil(t, f.CombinedEmbedding)
	assert.Equal(t, 3, f.EmbeddingDimension)
	assert.Equal(t, len(f.Content), f.ContentLength)
}

func TestVectorMemoryIngestChunksLongContent(t *testing.T) {
	memory, store, _ := newTestVectorMemory(t, "word")
	ctx := context.Background()

	// Several paragraphs well past the soft ceiling force a split.
	paragraph := strings.Repeat("Some sentence with word in it. ", 30)
	long := paragraph + "\n\n" + paragraph + "\n\n" + paragraph

	n, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## Long", Content: long, SourceFile: "long.md"},
	}, false)
	require.NoError(t, err)
	assert.Greater(t, n, 1)

	fragments, err := store.LoadByCollection(ctx, "kb")
	require.NoError(t, err)
	for i, f := range fragments {
		assert.Equal(t, i+1, f.ChunkIndex, "chunk indexes are sequential from 1")
	}
}

func TestVectorMemoryIngestReplaceClearsCollection(t *testing.T) {
	memory, store, _ := newTestVectorMemory(t, "alpha", "beta")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## Old", Content: "alpha text", SourceFile: "old.md"},
	}, false)
	require.NoError(t, err)

	_, err = memory.Ingest(ctx, "kb", []Document{
		{Category: "## New", Content: "beta text", SourceFile: "new.md"},
	}, true)
	require.NoError(t, err)

	fragments, err := store.LoadByCollection(ctx, "kb")
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "## New", fragments[0].Category)
}

func TestVectorMemorySearchFindsRelevantFragment(t *testing.T) {
	memory, _, _ := newTestVectorMemory(t, "kubernetes", "database", "backup")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## kubernetes", Content: "kubernetes kubernetes networking", SourceFile: "k8s.md"},
		{Category: "## database", Content: "database database tuning", SourceFile: "db.md"},
	}, false)
	require.NoError(t, err)

	result, err := memory.Search(ctx, "kb", "how do I debug kubernetes", SearchOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Context, "kubernetes networking")
	assert.NotContains(t, result.Context, "database tuning")
	assert.Contains(t, result.Context, "[Relevance: ")
}

func TestVectorMemorySearchEmptyQuery(t *testing.T) {
	memory, _, embedder := newTestVectorMemory(t, "x")

	result, err := memory.Search(context.Background(), "kb", "   ", SearchOptions{})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Zero(t, embedder.callCount(), "empty query must not reach the embedder")
}

func TestVectorMemorySearchMissReturnsNil(t *testing.T) {
	memory, _, _ := newTestVectorMemory(t, "kubernetes", "cooking")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## kubernetes", Content: "kubernetes stuff", SourceFile: "k.md"},
	}, false)
	require.NoError(t, err)

	result, err := memory.Search(ctx, "kb", "cooking pasta", SearchOptions{})
	require.NoError(t, err)
	assert.Nil(t, result, "unrelated query must miss")
}

func TestVectorMemoryQueryEmbeddingCached(t *testing.T) {
	memory, _, embedder := newTestVectorMemory(t, "kubernetes")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## kubernetes", Content: "kubernetes stuff", SourceFile: "k.md"},
	}, false)
	require.NoError(t, err)

	before := embedder.callCount()
	_, err = memory.Search(ctx, "kb", "kubernetes question", SearchOptions{})
	require.NoError(t, err)
	afterFirst := embedder.callCount()
	assert.Equal(t, before+1, afterFirst)

	_, err = memory.Search(ctx, "kb", "kubernetes question", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, afterFirst, embedder.callCount(), "repeat query must hit the cache")
}

// prefilterStore wraps the sqlite store with a scripted database-side
// nearest-neighbour ranking, standing in for the pgvector-backed path.
type prefilterStore struct {
	storage.FragmentStore
	calls     int
	lastLimit int
	result    []*types.Fragment
	err       error
}

func (s *prefilterStore) NearestByCombined(ctx context.Context, collection string, query []float32, limit int) ([]*types.Fragment, error) {
	s.calls++
	s.lastLimit = limit
	return s.result, s.err
}

func newPrefilterMemory(t *testing.T, vocab ...string) (*VectorMemory, *prefilterStore, *sqlite.FragmentStore) {
	t.Helper()

	base, err := sqlite.NewFragmentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	require.NoError(t, base.InitSchema(context.Background()))

	wrapped := &prefilterStore{FragmentStore: base}
	memory, err := NewVectorMemory(wrapped, newFakeEmbedder(vocab...), Weights{})
	require.NoError(t, err)
	return memory, wrapped, base
}

func TestVectorMemorySearchUsesStorePrefilter(t *testing.T) {
	memory, wrapped, base := newPrefilterMemory(t, "kubernetes", "database")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## kubernetes", Content: "kubernetes kubernetes networking", SourceFile: "k.md"},
	}, false)
	require.NoError(t, err)

	fragments, err := base.LoadByCollection(ctx, "kb")
	require.NoError(t, err)
	wrapped.result = fragments

	result, err := memory.Search(ctx, "kb", "kubernetes question", SearchOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, wrapped.calls, "search must consult the store-side ranking")
	assert.Equal(t, DefaultTopK*prefilterFactor, wrapped.lastLimit)
	assert.Contains(t, result.Context, "kubernetes networking")
}

func TestVectorMemorySearchPrefilterEmptyFallsBack(t *testing.T) {
	memory, wrapped, _ := newPrefilterMemory(t, "kubernetes")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## kubernetes", Content: "kubernetes stuff", SourceFile: "k.md"},
	}, false)
	require.NoError(t, err)

	// Prefilter returns nothing (no mirror vectors); the full collection
	// must still be scored.
	result, err := memory.Search(ctx, "kb", "kubernetes stuff", SearchOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, wrapped.calls)
	assert.Contains(t, result.Context, "kubernetes stuff")
}

// TestVectorMemoryLegacyAndWeightedMix verifies that rows written before the
// triple-embedding schema rank alongside new rows: the legacy row scores by
// its combined vector alone.
func TestVectorMemoryLegacyAndWeightedMix(t *testing.T) {
	memory, store, embedder := newTestVectorMemory(t, "kubernetes", "storage")
	ctx := context.Background()

	_, err := memory.Ingest(ctx, "kb", []Document{
		{Category: "## kubernetes", Content: "kubernetes kubernetes", SourceFile: "new.md"},
	}, false)
	require.NoError(t, err)

	// Legacy row inserted directly: combined embedding only.
	legacyVec, err := embedder.Embed(ctx, "kubernetes guide kubernetes")
	require.NoError(t, err)
	legacy := types.NewFragment("kb", "## legacy kubernetes", "legacy kubernetes notes")
	legacy.CombinedEmbedding = legacyVec
	legacy.EmbeddingDimension = len(legacyVec)
	require.NoError(t, store.BulkInsert(ctx, []*types.Fragment{legacy}))

	result, err := memory.Search(ctx, "kb", "kubernetes", SearchOptions{MinScore: 0.5})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Hits, 2, "legacy and weighted rows must both surface")

	var sawLegacy bool
	for _, h := range result.Hits {
		assert.GreaterOrEqual(t, h.Score, 0.5)
		if h.Fragment.IsLegacy() {
			sawLegacy = true
		}
	}
	assert.True(t, sawLegacy)
}
