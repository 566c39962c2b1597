package llm

import "errors"

var (
	// ErrEmbeddingFailed indicates the embedding provider could not produce
	// a vector for the input.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrWorkerUnhealthy indicates a worker whose health flag has latched
	// false; it refuses further queries until replaced.
	ErrWorkerUnhealthy = errors.New("worker is unhealthy")

	// ErrWorkerTimeout indicates generation exceeded the absolute deadline.
	ErrWorkerTimeout = errors.New("worker query timed out")

	// ErrWorkerDisposed indicates a query against a destroyed worker.
	ErrWorkerDisposed = errors.New("worker is disposed")

	// ErrWorkerSpawn indicates the LLM executable could not be started.
	ErrWorkerSpawn = errors.New("failed to spawn worker process")

	// ErrPoolClosed indicates an acquire against a torn-down pool.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrPoolInit indicates warm-up could not create the full complement
	// of workers. Partially created workers are destroyed before return.
	ErrPoolInit = errors.New("worker pool initialization failed")

	// ErrPoolAlreadyWarm indicates a second warm-up on a live pool.
	ErrPoolAlreadyWarm = errors.New("worker pool already warmed up")
)
