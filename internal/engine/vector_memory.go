package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/sage/internal/llm"
	"github.com/scrypster/sage/internal/storage"
	"github.com/scrypster/sage/pkg/types"
)

// queryCacheSize bounds the LRU of query embeddings. Conversations repeat
// themselves; re-embedding identical queries wastes the embedder's budget.
const queryCacheSize = 256

// prefilterFactor oversamples the database-side candidate set so the
// weighted re-score, domain filter, and relevance floor still have enough
// rows to choose from.
const prefilterFactor = 10

// nearestPrefilter is implemented by stores that can rank candidates by
// combined-vector distance inside the database.
type nearestPrefilter interface {
	NearestByCombined(ctx context.Context, collection string, query []float32, limit int) ([]*types.Fragment, error)
}

// VectorMemory is the store-backed Memory implementation: fragments live in
// a FragmentStore and queries are answered by weighted cosine similarity
// over their embeddings.
type VectorMemory struct {
	store    storage.FragmentStore
	embedder llm.EmbeddingGenerator
	chunker  *llm.Chunker
	weights  Weights
	cache    *lru.Cache[string, []float32]
}

// Compile-time interface check.
var _ Memory = (*VectorMemory)(nil)

// NewVectorMemory wires a vector memory over the given store and embedder.
func NewVectorMemory(store storage.FragmentStore, embedder llm.EmbeddingGenerator, weights Weights) (*VectorMemory, error) {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create query cache: %w", err)
	}
	return &VectorMemory{
		store:    store,
		embedder: embedder,
		chunker:  llm.NewChunker(),
		weights:  weights,
		cache:    cache,
	}, nil
}

// Ingest chunks, embeds, and persists documents into the collection. Each
// chunk becomes one fragment with three embeddings: the stripped category,
// the content, and the two joined. Chunk indexes are 1-based per document.
// When replace is true the collection is cleared first.
func (m *VectorMemory) Ingest(ctx context.Context, collection string, docs []Document, replace bool) (int, error) {
	if collection == "" {
		return 0, fmt.Errorf("engine: %w: collection is required", ErrBadRequest)
	}

	if replace {
		err := storage.WithRetry(ctx, func(ctx context.Context) error {
			_, err := m.store.DeleteCollection(ctx, collection)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("engine: failed to clear collection: %w", err)
		}
	}

	started := time.Now()
	var fragments []*types.Fragment
	for _, doc := range docs {
		chunks := m.chunker.Chunk(doc.Content)
		for i, chunk := range chunks {
			f := types.NewFragment(collection, doc.Category, chunk)
			f.SourceFile = doc.SourceFile
			f.ChunkIndex = i + 1
			if err := m.embedFragment(ctx, f); err != nil {
				return 0, err
			}
			fragments = append(fragments, f)
		}
	}

	if len(fragments) == 0 {
		return 0, nil
	}

	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return m.store.BulkInsert(ctx, fragments)
	})
	if err != nil {
		return 0, fmt.Errorf("engine: failed to persist fragments: %w", err)
	}

	log.Printf("engine: ingested %d fragments into %s in %s",
		len(fragments), collection, time.Since(started).Round(time.Millisecond))
	return len(fragments), nil
}

// embedFragment attaches the three embedding vectors.
func (m *VectorMemory) embedFragment(ctx context.Context, f *types.Fragment) error {
	category := f.StrippedCategory()
	if category != "" {
		vec, err := m.embedder.Embed(ctx, category)
		if err != nil {
			return fmt.Errorf("engine: failed to embed category: %w", err)
		}
		f.CategoryEmbedding = vec
	}

	vec, err := m.embedder.Embed(ctx, f.Content)
	if err != nil {
		return fmt.Errorf("engine: failed to embed content: %w", err)
	}
	f.ContentEmbedding = vec

	combined, err := m.embedder.Embed(ctx, f.CombinedText())
	if err != nil {
		return fmt.Errorf("engine: failed to embed combined text: %w", err)
	}
	f.CombinedEmbedding = combined
	f.EmbeddingDimension = m.embedder.Dimensions()
	return nil
}

// Search retrieves relevant context for the query. An empty query returns
// nil without touching the embedder or the store.
func (m *VectorMemory) Search(ctx context.Context, collection, query string, opts SearchOptions) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	opts.normalize()

	queryVec, err := m.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	fragments, err := m.loadCandidates(ctx, collection, queryVec, opts)
	if err != nil {
		return nil, err
	}

	return searchFragments(queryVec, fragments, opts, m.weights)
}

// loadCandidates fetches the fragments to score. Stores that rank by
// combined-vector distance in the database serve an oversampled candidate
// set; everything else, and any prefilter failure or empty result, falls
// back to loading the whole collection. Rows without a mirror vector are
// invisible to the prefilter, so a collection of pre-migration rows takes
// the full-load path.
func (m *VectorMemory) loadCandidates(ctx context.Context, collection string, queryVec []float32, opts SearchOptions) ([]*types.Fragment, error) {
	if np, ok := m.store.(nearestPrefilter); ok {
		candidates, err := np.NearestByCombined(ctx, collection, queryVec, opts.TopK*prefilterFactor)
		if err != nil {
			// ErrInvalidInput means the store cannot prefilter at all
			// (no vector extension); that is routine, not a failure.
			if !errors.Is(err, storage.ErrInvalidInput) {
				log.Printf("engine: nearest-neighbour prefilter failed, loading full collection: %v", err)
			}
		} else if len(candidates) > 0 {
			return candidates, nil
		}
	}

	var fragments []*types.Fragment
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var loadErr error
		fragments, loadErr = m.store.LoadByCollection(ctx, collection)
		return loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("engine: failed to load collection %s: %w", collection, err)
	}
	return fragments, nil
}

// embedQuery embeds the query text, consulting the LRU first.
func (m *VectorMemory) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := m.cache.Get(query); ok {
		return vec, nil
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to embed query: %w", err)
	}
	m.cache.Add(query, vec)
	return vec, nil
}

// Collections lists the collections present in the store.
func (m *VectorMemory) Collections(ctx context.Context) ([]string, error) {
	return m.store.ListCollections(ctx)
}

// DeleteCollection removes a collection and reports how many fragments went.
func (m *VectorMemory) DeleteCollection(ctx context.Context, collection string) (int, error) {
	return m.store.DeleteCollection(ctx, collection)
}
