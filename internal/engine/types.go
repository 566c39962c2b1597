// Package engine implements the retrieval and orchestration layer: scoring,
// the vector memory over the fragment store, prompt assembly, conversation
// state, and the orchestrator that ties them to the worker pool.
package engine

import (
	"context"
	"errors"

	"github.com/scrypster/sage/pkg/types"
)

var (
	// ErrBadRequest indicates unusable caller input, such as a blank question.
	ErrBadRequest = errors.New("bad request")

	// ErrEmptyContext indicates prompt assembly without retrieved context.
	// The orchestrator never queries the model ungrounded.
	ErrEmptyContext = errors.New("cannot assemble prompt without context")
)

const (
	// DefaultTopK is how many hits are rendered into the context block.
	DefaultTopK = 5

	// DefaultMinScore is the relevance floor below which hits are dropped.
	DefaultMinScore = 0.6
)

// SearchOptions tunes one retrieval call. Zero values mean defaults.
type SearchOptions struct {
	// TopK caps the number of rendered hits. Default 5.
	TopK int

	// MinScore drops hits scoring below it. Default 0.6. Set negative to
	// disable the floor.
	MinScore float64

	// DomainFilter, when non-empty, keeps only fragments whose category
	// contains at least one of its tokens (case-insensitive, hyphens read
	// as spaces).
	DomainFilter string

	// MaxCharsPerHit truncates each rendered hit's content, appending an
	// ellipsis. Zero means no truncation.
	MaxCharsPerHit int
}

func (o *SearchOptions) normalize() {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.MinScore == 0 {
		o.MinScore = DefaultMinScore
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
}

// SearchResult is one successful retrieval: the rendered context block plus
// the hits it was built from. A nil result means nothing relevant was found.
type SearchResult struct {
	Context string
	Hits    []types.SearchHit
}

// Document is ingestion input before chunking: a category heading, its body
// text, and the originating file.
type Document struct {
	Category   string
	Content    string
	SourceFile string
}

// Memory is the retrieval capability the orchestrator depends on. Both the
// store-backed vector memory and the in-process memory implement it.
type Memory interface {
	// Search retrieves relevant context for the query. A nil result with a
	// nil error means the knowledge base had nothing relevant.
	Search(ctx context.Context, collection, query string, opts SearchOptions) (*SearchResult, error)

	// Ingest chunks, embeds, and persists documents into the collection,
	// returning the number of stored fragments. When replace is true the
	// collection is cleared first.
	Ingest(ctx context.Context, collection string, docs []Document, replace bool) (int, error)
}
