package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/scrypster/sage/internal/llm"
	"github.com/scrypster/sage/pkg/types"
)

// FallbackReply is returned when retrieval finds nothing relevant. No worker
// is consumed in that case; an ungrounded model answer would be worse than
// an honest miss.
const FallbackReply = "I don't have any relevant information in my knowledge base to answer that question. Please try rephrasing or ask about something else."

// OrchestratorConfig tunes the ask pipeline.
type OrchestratorConfig struct {
	// Collection is the knowledge base queried for every question.
	Collection string

	// TopK and MinScore are passed to retrieval. Zero values mean the
	// engine defaults (5 and 0.6).
	TopK     int
	MinScore float64
}

// Orchestrator runs the full question-answering pipeline: retrieve context
// from memory, assemble the prompt, lease a worker, and record the exchange.
// Memory and the conversation log are deliberately separate dependencies;
// one is long-term knowledge, the other short-term dialogue state.
type Orchestrator struct {
	memory    Memory
	pool      *llm.WorkerPool
	log       *ConversationLog
	assembler *PromptAssembler
	config    OrchestratorConfig

	// mu guards conversation snapshots and appends so concurrent asks
	// cannot interleave a half-recorded turn. Generation itself runs
	// outside the lock; the pool is what bounds concurrency.
	mu sync.Mutex
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(memory Memory, pool *llm.WorkerPool, conversation *ConversationLog, assembler *PromptAssembler, config OrchestratorConfig) *Orchestrator {
	if conversation == nil {
		conversation = NewConversationLog()
	}
	if assembler == nil {
		assembler = &PromptAssembler{}
	}
	return &Orchestrator{
		memory:    memory,
		pool:      pool,
		log:       conversation,
		assembler: assembler,
		config:    config,
	}
}

// Conversation exposes the dialogue log.
func (o *Orchestrator) Conversation() *ConversationLog {
	return o.log
}

// Ask answers one question. Questions are serialized per orchestrator.
//
// Generation-path failures (worker timeout, unhealthy worker) come back as
// an error-tagged reply with a nil error: the conversation goes on even when
// the model stumbles. Infrastructure failures before a worker is involved
// (embedding, storage, pool closed) are returned as errors.
func (o *Orchestrator) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: question is empty", ErrBadRequest)
	}

	// History snapshot excludes the question being asked; the worker adds
	// the current turn itself.
	o.mu.Lock()
	history := o.log.Entries()
	o.log.Append(types.RoleUser, question)
	o.mu.Unlock()

	result, err := o.memory.Search(ctx, o.config.Collection, question, SearchOptions{
		TopK:     o.config.TopK,
		MinScore: o.config.MinScore,
	})
	if err != nil {
		return "", fmt.Errorf("retrieval failed: %w", err)
	}
	if result == nil {
		o.log.Append(types.RoleAssistant, FallbackReply)
		return FallbackReply, nil
	}

	prompt, err := o.assembler.Assemble(result.Context, history)
	if err != nil {
		return "", err
	}

	lease, err := o.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire worker: %w", err)
	}
	defer lease.Release()

	answer, err := lease.Query(ctx, prompt, question)
	if err != nil {
		log.Printf("engine: worker %d query failed: %v", lease.Worker().ID(), err)
		return fmt.Sprintf("[ERROR] Failed to get response: %s", err.Error()), nil
	}

	if answer != "" {
		o.log.Append(types.RoleAssistant, answer)
	}
	return answer, nil
}
