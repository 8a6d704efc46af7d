package domain

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the role/content pair handed to the engine's chat template
// renderer.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
