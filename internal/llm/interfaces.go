// Package llm provides the inference-side building blocks: the embedding
// client, the command-line inference worker, and the worker pool that hands
// out exclusive leases on workers.
package llm

import "context"

// EmbeddingGenerator produces vector embeddings for text.
type EmbeddingGenerator interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding dimension this generator produces.
	Dimensions() int
}
