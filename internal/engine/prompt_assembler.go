package engine

import (
	"strings"

	"github.com/scrypster/sage/pkg/types"
)

// DefaultBaseDirective instructs the model to answer only from the supplied
// context block.
const DefaultBaseDirective = "You are a helpful assistant. Answer the question using ONLY the information in the context below. If the context does not contain the answer, say you do not know."

const (
	contextHeader      = "=== CONTEXT (Use ONLY this information) ==="
	contextFooter      = "=== END OF CONTEXT ==="
	conversationHeader = "=== RECENT CONVERSATION ==="
	conversationFooter = "=== END OF CONVERSATION ==="
)

// PromptAssembler builds the deterministic system prompt layout: directive,
// delimited context block, then an optional delimited conversation block.
type PromptAssembler struct {
	// BaseDirective heads every prompt. Empty means the default directive.
	BaseDirective string
}

// Assemble builds the prompt from retrieved context and recent conversation.
// Empty context is refused: the orchestrator never queries the model without
// grounding, and a silent empty block would defeat that rule.
func (a *PromptAssembler) Assemble(contextBlock string, conversation []types.Message) (string, error) {
	if strings.TrimSpace(contextBlock) == "" {
		return "", ErrEmptyContext
	}

	directive := a.BaseDirective
	if directive == "" {
		directive = DefaultBaseDirective
	}

	var b strings.Builder
	b.WriteString(directive)
	b.WriteString("\n\n")
	b.WriteString(contextHeader)
	b.WriteString("\n")
	b.WriteString(contextBlock)
	b.WriteString("\n")
	b.WriteString(contextFooter)

	if len(conversation) > 0 {
		b.WriteString("\n\n")
		b.WriteString(conversationHeader)
		b.WriteString("\n")
		for _, msg := range conversation {
			switch msg.Role {
			case types.RoleUser:
				b.WriteString("User: ")
			case types.RoleAssistant:
				b.WriteString("Assistant: ")
			}
			b.WriteString(msg.Text)
			b.WriteString("\n")
		}
		b.WriteString(conversationFooter)
	}

	return b.String(), nil
}
