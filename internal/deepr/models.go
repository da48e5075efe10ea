package deepr

import "github.com/eternisai/enchanted-research/internal/search"

// SectionSpec plans one section of the report.
type SectionSpec struct {
	ID          string   `json:"id"          jsonschema:"description=Short stable identifier such as section-1"`
	Title       string   `json:"title"       jsonschema:"required,minLength=1,description=Section heading"`
	Description string   `json:"description" jsonschema:"required,minLength=1,description=One or two sentences on what the section covers"`
	Keywords    []string `json:"keywords"    jsonschema:"required,minItems=1,description=Lowercase terms used to pick relevant web sources"`
}

// Outline is the plan of a report. It fixes section count and order and is never changed
// once validated.
type Outline struct {
	Title    string        `json:"title"    jsonschema:"required,minLength=1,description=Report title"`
	Summary  string        `json:"summary"  jsonschema:"description=Two or three sentence overview of the report"`
	Sections []SectionSpec `json:"sections" jsonschema:"required,minItems=5,maxItems=8"`
}

// Section is one written section of the report.
type Section struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Sources   []search.Source `json:"sources"`
	WordCount int             `json:"word_count"`
}

// Result is the finished report.
type Result struct {
	Outline      Outline   `json:"outline"`
	Sections     []Section `json:"sections"`
	TotalWords   int       `json:"total_words"`
	TotalSources int       `json:"total_sources"`
}

// Request starts a deep research turn.
type Request struct {
	Query          string `json:"query"           binding:"required"`
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
}

// Job is a request bound to its caller.
type Job struct {
	Query          string
	UserID         string
	ConversationID string
	TurnID         string
}
