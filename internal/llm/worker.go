package llm

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// Generation flags passed to the LLM executable. Tuned for short, grounded
// answers over retrieved context.
const (
	genMaxTokens        = "200"
	genTemperature      = "0.3"
	genTopP             = "0.85"
	genTopK             = "30"
	genRepeatPenalty    = "1.15"
	genPresencePenalty  = "0.2"
	genFrequencyPenalty = "0.2"
)

const (
	// DefaultQueryTimeout is the absolute deadline for one query,
	// covering model load and generation.
	DefaultQueryTimeout = 30 * time.Second

	// idleTimeout is how long the worker waits for further output after
	// generation has started before considering the stream complete.
	idleTimeout = 3 * time.Second

	// assistantTag marks the start of generated text in the child's
	// output. Matched case-insensitively.
	assistantTag = "assistant:"
)

// WorkerConfig holds the settings for one inference worker.
type WorkerConfig struct {
	// ExecutablePath is the LLM command-line binary (e.g. llama-cli).
	ExecutablePath string

	// ModelPath is the model weights file passed to the executable.
	ModelPath string

	// QueryTimeout is the absolute deadline per query. Default 30s.
	QueryTimeout time.Duration

	// OnProgress, when set, receives a tick roughly every second while the
	// model is still loading (before any generated text appears).
	OnProgress func()
}

// Worker runs inference by spawning the LLM executable once per query and
// parsing its streamed standard output. A worker serializes its queries with
// an internal mutex; concurrency comes from pooling workers, not from
// sharing one.
//
// Health is one-way: any spawn failure, timeout, or abnormal exit latches
// the worker unhealthy and it refuses further queries. The pool discards
// unhealthy workers on release.
type Worker struct {
	id      int
	config  WorkerConfig
	spawn   spawnFunc
	mu      sync.Mutex
	healthy bool

	disposedMu sync.Mutex
	disposed   bool
}

// procHandle is a running child process from the worker's point of view.
type procHandle interface {
	// Stdout streams the child's combined output.
	Stdout() io.Reader

	// Wait blocks until the child exits and returns its exit error.
	Wait() error

	// Kill terminates the child and its descendants.
	Kill() error
}

// spawnFunc starts the inference executable with the given arguments.
// Production uses the exec-based implementation in process.go; tests
// substitute scripted fakes.
type spawnFunc func(ctx context.Context, path string, args []string) (procHandle, error)

// NewWorker creates a worker. The executable is not started here; a process
// is spawned per query.
func NewWorker(id int, config WorkerConfig) *Worker {
	return newWorkerWithSpawn(id, config, spawnProcess)
}

func newWorkerWithSpawn(id int, config WorkerConfig, spawn spawnFunc) *Worker {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	return &Worker{
		id:      id,
		config:  config,
		spawn:   spawn,
		healthy: true,
	}
}

// ID returns the worker's pool-assigned identifier.
func (w *Worker) ID() int {
	return w.id
}

// Healthy reports whether the worker can still serve queries.
func (w *Worker) Healthy() bool {
	w.disposedMu.Lock()
	defer w.disposedMu.Unlock()
	return w.healthy && !w.disposed
}

// markUnhealthy latches the health flag false. There is no way back.
func (w *Worker) markUnhealthy(reason string) {
	w.disposedMu.Lock()
	defer w.disposedMu.Unlock()
	if w.healthy {
		log.Printf("llm: worker %d marked unhealthy: %s", w.id, reason)
		w.healthy = false
	}
}

// Dispose retires the worker. Idempotent. A disposed worker refuses queries;
// there is no persistent child process to stop.
func (w *Worker) Dispose() {
	w.disposedMu.Lock()
	defer w.disposedMu.Unlock()
	w.disposed = true
}

// Query runs one inference call. The prompt is the fully assembled system
// and context text; question is the user's turn. Queries on the same worker
// are serialized.
//
// On timeout the child process tree is killed and the partial answer
// collected so far is returned together with ErrWorkerTimeout.
func (w *Worker) Query(ctx context.Context, prompt, question string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.disposedMu.Lock()
	disposed, healthy := w.disposed, w.healthy
	w.disposedMu.Unlock()
	if disposed {
		return "", ErrWorkerDisposed
	}
	if !healthy {
		return "", ErrWorkerUnhealthy
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.QueryTimeout)
	defer cancel()

	fullPrompt := prompt + "\nUser: " + question + "\nAssistant:"
	args := []string{
		"-m", w.config.ModelPath,
		"-n", genMaxTokens,
		"--temp", genTemperature,
		"--top-p", genTopP,
		"--top-k", genTopK,
		"--repeat-penalty", genRepeatPenalty,
		"--presence-penalty", genPresencePenalty,
		"--frequency-penalty", genFrequencyPenalty,
		"-p", fullPrompt,
	}

	proc, err := w.spawn(ctx, w.config.ExecutablePath, args)
	if err != nil {
		w.markUnhealthy("spawn failed")
		return "", fmt.Errorf("%w: %w", ErrWorkerSpawn, err)
	}

	answer, err := w.collectAnswer(ctx, proc)
	if err != nil {
		return answer, err
	}
	return answer, nil
}

// collectAnswer drives the output state machine: consume the prologue until
// the assistant tag appears, then accumulate generated text until the child
// exits, the stream goes idle, or the deadline fires.
func (w *Worker) collectAnswer(ctx context.Context, proc procHandle) (string, error) {
	chunks := make(chan string, 16)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := proc.Stdout().Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if err != nil {
				readErr <- err
				close(chunks)
				return
			}
		}
	}()

	var output strings.Builder
	generating := false
	tagOffset := 0

	idle := time.NewTimer(w.config.QueryTimeout)
	defer idle.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()

	finish := func() string {
		// Drain the reader so the goroutine can exit, then reap the child.
		proc.Kill()
		for range chunks {
		}
		<-readErr
		// The kill is ours, so the exit status carries no health signal.
		proc.Wait()
		return cleanAnswer(generatedText(output.String(), tagOffset, generating))
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Child closed its output: generation is complete.
				<-readErr
				waitErr := proc.Wait()
				answer := cleanAnswer(generatedText(output.String(), tagOffset, generating))
				if waitErr != nil && answer == "" {
					w.markUnhealthy("process exited abnormally")
					return "", fmt.Errorf("%w: %v", ErrWorkerUnhealthy, waitErr)
				}
				return answer, nil
			}
			output.WriteString(chunk)
			if !generating {
				if idx := strings.Index(strings.ToLower(output.String()), assistantTag); idx >= 0 {
					generating = true
					tagOffset = idx + len(assistantTag)
				}
			}
			if generating {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)
			}

		case <-idle.C:
			if generating {
				// Stream went quiet after generation started; treat the
				// answer as complete.
				return finish(), nil
			}

		case <-progress.C:
			if !generating && w.config.OnProgress != nil {
				w.config.OnProgress()
			}

		case <-ctx.Done():
			w.markUnhealthy("query deadline exceeded")
			return finish(), fmt.Errorf("%w: %w", ErrWorkerTimeout, ctx.Err())
		}
	}
}

// generatedText returns the portion of output after the assistant tag, or
// empty when generation never started.
func generatedText(output string, tagOffset int, generating bool) string {
	if !generating || tagOffset > len(output) {
		return ""
	}
	return output[tagOffset:]
}

// cleanAnswer normalizes raw generated text: cut everything from the first
// control token, drop a trailing turn the model hallucinated for the user,
// and trim whitespace.
func cleanAnswer(text string) string {
	if idx := strings.Index(text, "<|"); idx >= 0 {
		text = text[:idx]
	}
	if idx := strings.Index(text, "User:"); idx > 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
