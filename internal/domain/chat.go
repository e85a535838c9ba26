package domain

// ChatMessage is one conversation turn in the provider-agnostic `role`/`content`
// shape shared by the history store and the agent gateway transports.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
