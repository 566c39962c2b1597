package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// fakeEmbedder is a deterministic bag-of-words embedder: component i counts
// occurrences of vocab[i] in the text. Texts sharing vocabulary score high
// cosine similarity; unrelated texts score zero. No network, no model.
type fakeEmbedder struct {
	vocab []string
	fail  bool

	mu    sync.Mutex
	calls int
}

func newFakeEmbedder(vocab ...string) *fakeEmbedder {
	return &fakeEmbedder{vocab: vocab}
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fail {
		return nil, errors.New("embedder down")
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.vocab))
	for i, word := range e.vocab {
		vec[i] = float32(strings.Count(lower, word))
	}
	return vec, nil
}

func (e *fakeEmbedder) Dimensions() int {
	return len(e.vocab)
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
