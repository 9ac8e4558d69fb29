package model

// Message roles used in rendered prompts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged prompt turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageSequence is the rendered prompt for exactly one conflict case.
type MessageSequence struct {
	CaseID   string    `json:"case_id"`
	Style    string    `json:"style"`
	Messages []Message `json:"messages"`
}
