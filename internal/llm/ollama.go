package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OllamaEmbedder generates embeddings through a local Ollama server. Calls
// are wrapped with circuit breaker protection and rate limited so bulk
// ingestion does not starve interactive queries. Requests are serialized
// with a mutex: small local embedding models do not benefit from parallel
// calls and some backends mis-handle them.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
	mu         sync.Mutex
}

// OllamaConfig holds embedder configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimensions is the vector size the model produces (default: 768).
	Dimensions int

	// Timeout is the per-request timeout (default: 30s; first call may pull
	// the model into memory).
	Timeout time.Duration

	// RequestsPerSecond caps the embedding call rate (default: 10).
	RequestsPerSecond float64
}

// embedRequest is the body for the /api/embed endpoint.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the /api/embed response. The embeddings field is a 2D
// array; single-input requests always use the first row.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Compile-time interface check.
var _ EmbeddingGenerator = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder with defaults applied.
func NewOllamaEmbedder(config OllamaConfig) *OllamaEmbedder {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "nomic-embed-text"
	}
	if config.Dimensions == 0 {
		config.Dimensions = 768
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 10
	}

	return &OllamaEmbedder{
		baseURL:    config.BaseURL,
		model:      config.Model,
		dimensions: config.Dimensions,
		client:     &http.Client{Timeout: config.Timeout},
		breaker:    NewCircuitBreaker("ollama-embed"),
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
}

// Dimensions returns the embedding dimension this embedder produces.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed generates an embedding vector for the given text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", ErrEmbeddingFailed)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.breaker.Execute(ctx, func() (interface{}, error) {
		return e.embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	embedding := result.([]float32)
	if len(embedding) != e.dimensions {
		return nil, fmt.Errorf("%w: model returned %d dimensions, expected %d",
			ErrEmbeddingFailed, len(embedding), e.dimensions)
	}
	return embedding, nil
}

// embed is the raw HTTP call without breaker wrapping.
func (e *OllamaEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed request returned %d: %s", resp.StatusCode, payload)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed response contained no embedding")
	}
	return parsed.Embeddings[0], nil
}
