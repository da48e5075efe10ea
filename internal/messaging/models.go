package messaging

// MessageToStore is the internal representation for messages to be stored
type MessageToStore struct {
	UserID         string
	ConversationID string
	TurnID         string
	MessageID      string // generated when empty
	Role           string // "user", "assistant" or "system"
	Content        string
	BackendID      string
	IsError        bool

	// Stop control, for assistant messages cut short
	Stopped    bool   // true if generation was stopped mid-stream
	StoppedBy  string // User ID who stopped, or "system"
	StopReason string // "user_cancelled", "client_disconnected", "timeout", "error", "system_shutdown"
}

// UsageToStore records the tokens one generation consumed.
type UsageToStore struct {
	UserID           string
	ConversationID   string
	TurnID           string
	Mode             string // "chat", "deep_research" or "title"
	BackendID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// TokenMultiplier scales TotalTokens into plan tokens; zero counts as one.
	TokenMultiplier float64
}

// PlanTokens is the amount charged against the caller's plan.
func (u UsageToStore) PlanTokens() int {
	multiplier := u.TokenMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return int(float64(u.TotalTokens)*multiplier + 0.5)
}

// TitleToStore sets a conversation's title.
type TitleToStore struct {
	UserID         string
	ConversationID string
	Title          string
}
