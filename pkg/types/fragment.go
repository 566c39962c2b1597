package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fragment represents a single chunk of retrievable knowledge. Fragments are
// the atomic units of the vector memory: each carries its text content, a
// short category heading, and up to three embedding vectors used for
// weighted-cosine retrieval.
type Fragment struct {
	// Core identification fields
	ID         string `json:"id"`         // Unique identifier (UUID)
	Collection string `json:"collection"` // Named knowledge base this fragment belongs to

	// Text payload
	Category      string `json:"category"`       // Short heading describing the fragment (max 500 chars)
	Content       string `json:"content"`        // Fragment body text
	ContentLength int    `json:"content_length"` // Derived length of Content in characters

	// Embedding vectors. Any of the three may be nil: rows written before the
	// triple-embedding schema carry only the combined vector.
	CombinedEmbedding  []float32 `json:"combined_embedding,omitempty"`  // Embedding of category + content
	CategoryEmbedding  []float32 `json:"category_embedding,omitempty"`  // Embedding of the category heading
	ContentEmbedding   []float32 `json:"content_embedding,omitempty"`   // Embedding of the content body
	EmbeddingDimension int       `json:"embedding_dimension,omitempty"` // Dimension of the stored vectors

	// Provenance
	SourceFile string    `json:"source_file,omitempty"` // Originating document, if any
	ChunkIndex int       `json:"chunk_index,omitempty"` // 1-based position within the source document
	CreatedAt  time.Time `json:"created_at"`            // When the fragment was first stored
	UpdatedAt  time.Time `json:"updated_at"`            // Last update timestamp
}

// MaxCategoryLength is the hard ceiling on Category length.
const MaxCategoryLength = 500

// NewFragment creates a fragment with a fresh UUID and a derived content
// length. Embeddings are attached later, during ingestion.
func NewFragment(collection, category, content string) *Fragment {
	now := time.Now().UTC()
	return &Fragment{
		ID:            uuid.New().String(),
		Collection:    collection,
		Category:      category,
		Content:       content,
		ContentLength: len(content),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the structural invariants of the fragment.
func (f *Fragment) Validate() error {
	if f.ID == "" {
		return ErrMissingID
	}
	if f.Collection == "" {
		return ErrMissingCollection
	}
	if len(f.Category) > MaxCategoryLength {
		return ErrCategoryTooLong
	}
	if f.ContentLength != len(f.Content) {
		return ErrContentLengthMismatch
	}
	for _, emb := range [][]float32{f.CombinedEmbedding, f.CategoryEmbedding, f.ContentEmbedding} {
		if emb != nil && f.EmbeddingDimension != 0 && len(emb) != f.EmbeddingDimension {
			return ErrDimensionMismatch
		}
	}
	return nil
}

// HasAnyEmbedding reports whether at least one embedding vector is present.
func (f *Fragment) HasAnyEmbedding() bool {
	return f.CombinedEmbedding != nil || f.CategoryEmbedding != nil || f.ContentEmbedding != nil
}

// IsLegacy reports whether the fragment predates the triple-embedding schema,
// carrying only the combined vector.
func (f *Fragment) IsLegacy() bool {
	return f.CombinedEmbedding != nil && f.CategoryEmbedding == nil && f.ContentEmbedding == nil
}

// StrippedCategory returns the category with markdown heading markers removed
// and surrounding whitespace trimmed. This is the form used when embedding
// the category and when building the combined embedding input.
func (f *Fragment) StrippedCategory() string {
	return strings.TrimSpace(strings.ReplaceAll(f.Category, "##", ""))
}

// CombinedText returns the text the combined embedding is computed from.
func (f *Fragment) CombinedText() string {
	return f.StrippedCategory() + "\n\n" + f.Content
}

// SearchHit pairs a fragment with its relevance score for one query.
// Hits are ephemeral and never persisted.
type SearchHit struct {
	Fragment *Fragment `json:"fragment"`
	Score    float64   `json:"score"` // Weighted cosine relevance in [-1, 1], usually [0, 1]
}
