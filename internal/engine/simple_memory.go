package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/scrypster/sage/internal/llm"
	"github.com/scrypster/sage/pkg/types"
)

// SimpleMemory is the in-process Memory implementation: fragments are held
// in a map keyed by collection, with no persistence. It runs the same
// scoring pipeline as VectorMemory and is used for tests and store-less
// deployments.
type SimpleMemory struct {
	embedder llm.EmbeddingGenerator
	chunker  *llm.Chunker
	weights  Weights

	mu          sync.RWMutex
	collections map[string][]*types.Fragment
}

// Compile-time interface check.
var _ Memory = (*SimpleMemory)(nil)

// NewSimpleMemory creates an empty in-process memory.
func NewSimpleMemory(embedder llm.EmbeddingGenerator, weights Weights) *SimpleMemory {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &SimpleMemory{
		embedder:    embedder,
		chunker:     llm.NewChunker(),
		weights:     weights,
		collections: make(map[string][]*types.Fragment),
	}
}

// Ingest chunks, embeds, and stores documents in process memory.
func (m *SimpleMemory) Ingest(ctx context.Context, collection string, docs []Document, replace bool) (int, error) {
	if collection == "" {
		return 0, fmt.Errorf("engine: %w: collection is required", ErrBadRequest)
	}

	var fragments []*types.Fragment
	for _, doc := range docs {
		for i, chunk := range m.chunker.Chunk(doc.Content) {
			f := types.NewFragment(collection, doc.Category, chunk)
			f.SourceFile = doc.SourceFile
			f.ChunkIndex = i + 1

			category := f.StrippedCategory()
			if category != "" {
				vec, err := m.embedder.Embed(ctx, category)
				if err != nil {
					return 0, fmt.Errorf("engine: failed to embed category: %w", err)
				}
				f.CategoryEmbedding = vec
			}
			vec, err := m.embedder.Embed(ctx, f.Content)
			if err != nil {
				return 0, fmt.Errorf("engine: failed to embed content: %w", err)
			}
			f.ContentEmbedding = vec
			combined, err := m.embedder.Embed(ctx, f.CombinedText())
			if err != nil {
				return 0, fmt.Errorf("engine: failed to embed combined text: %w", err)
			}
			f.CombinedEmbedding = combined
			f.EmbeddingDimension = m.embedder.Dimensions()

			fragments = append(fragments, f)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if replace {
		m.collections[collection] = nil
	}
	m.collections[collection] = append(m.collections[collection], fragments...)
	return len(fragments), nil
}

// Search retrieves relevant context for the query.
func (m *SimpleMemory) Search(ctx context.Context, collection, query string, opts SearchOptions) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	opts.normalize()

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to embed query: %w", err)
	}

	m.mu.RLock()
	fragments := m.collections[collection]
	m.mu.RUnlock()

	return searchFragments(queryVec, fragments, opts, m.weights)
}

// Count returns the number of fragments held for the collection.
func (m *SimpleMemory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}
