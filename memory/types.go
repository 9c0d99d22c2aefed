package memory

import "time"

// Roles a Message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// String renders the message as a history line for token accounting.
func (m Message) String() string {
	if m.Role == "" {
		return m.Content
	}
	return m.Role + ": " + m.Content
}

// Lines renders msgs the way prompts carry history.
func Lines(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.String())
	}
	return out
}
