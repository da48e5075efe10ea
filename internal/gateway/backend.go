package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation message. Values are never mutated once built.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the generation parameters forwarded to the upstream API.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Request is a generation request. Model is filled in by the Registry from the selected
// endpoint.
type Request struct {
	Model    string
	Messages []Message
	Params   Params
}

// Usage is the token usage reported by the upstream API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Backend is a text generation backend.
type Backend interface {
	// StreamGenerate opens a token stream. Errors opening the stream are returned here,
	// errors while reading it from Stream.Next.
	StreamGenerate(ctx context.Context, req Request) (*Stream, error)

	// Generate returns the complete response text.
	Generate(ctx context.Context, req Request) (string, error)
}

// Stream is an open token stream.
type Stream struct {
	// Set by the Registry.
	BackendID       string
	Provider        string
	Model           string
	TokenMultiplier float64

	next   func() (string, error)
	closer io.Closer

	mu        sync.Mutex
	usage     *Usage
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps a token iterator. next returns io.EOF once the stream is exhausted;
// closer may be nil.
func NewStream(next func() (string, error), closer io.Closer) *Stream {
	return &Stream{next: next, closer: closer}
}

// Next returns the next non-empty token, or io.EOF at the end of the stream.
func (s *Stream) Next() (string, error) {
	return s.next()
}

// Usage returns the token usage reported so far, or nil if the upstream sent none.
func (s *Stream) Usage() *Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usage == nil {
		return nil
	}

	usage := *s.usage
	return &usage
}

func (s *Stream) setUsage(usage Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	s.usage = &usage
}

// Close releases the upstream connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})

	return s.closeErr
}

// StatusError is returned when the upstream API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}
