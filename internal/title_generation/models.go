package title_generation

// TitleRequest asks for a title for a new conversation.
type TitleRequest struct {
	UserID         string
	ConversationID string
	FirstMessage   string // The content to generate a title from
}
