package orchestrator

import (
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/streaming"
	"github.com/eternisai/enchanted-research/internal/weather"
)

// Attachment is carried along with a turn. Its content is never processed here.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Turn is one question/answer exchange.
type Turn struct {
	// Messages holds at least one message. The last message's role decides whether a
	// user-message record is persisted.
	Messages    []gateway.Message
	BackendID   string
	Params      gateway.Params
	Attachments []Attachment
	Location    *weather.Location

	UserID         string
	ConversationID string
	TurnID         string

	// Control, when set, tells a user stop apart from a client disconnect.
	Control *streaming.ActiveTurn
}

// lastUserMessage returns the content of the most recent user message.
func (t Turn) lastUserMessage() (string, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == gateway.RoleUser {
			return t.Messages[i].Content, true
		}
	}
	return "", false
}

func (t Turn) endsWithUser() bool {
	return len(t.Messages) > 0 && t.Messages[len(t.Messages)-1].Role == gateway.RoleUser
}

// isFirstExchange reports whether this turn opens the conversation.
func (t Turn) isFirstExchange() bool {
	users := 0
	for _, m := range t.Messages {
		switch m.Role {
		case gateway.RoleUser:
			users++
		case gateway.RoleAssistant:
			return false
		}
	}
	return users == 1
}
