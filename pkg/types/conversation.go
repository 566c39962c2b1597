package types

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation entry: who said it and what was said.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
