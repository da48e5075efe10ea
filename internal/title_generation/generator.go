package title_generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/gateway"
)

const (
	maxRetries     = 3
	maxTokens      = 60
	temperature    = 0.7
	maxTitleLength = 80
	maxInputLength = 2000

	defaultPrompt = "Write a short title (at most six words) for a conversation that starts with the following message. Reply with the title only, without quotes or punctuation at the end."
)

// FallbackGenerator runs a single-shot generation over an ordered chain of backends.
type FallbackGenerator interface {
	GenerateWithFallback(ctx context.Context, chain []string, req gateway.Request) (string, error)
}

// Generator handles title generation via the model gateway
type Generator struct {
	gateway FallbackGenerator
	chain   []string
	prompt  string

	// backoff is multiplied by the attempt number between retries.
	backoff time.Duration
}

// NewGenerator creates a new title generator. It returns nil when no backends are configured.
func NewGenerator(gw FallbackGenerator, cfg *config.TitleGenerationConfig) *Generator {
	if cfg == nil || len(cfg.Backends) == 0 {
		return nil
	}
	prompt := strings.TrimSpace(cfg.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}
	return &Generator{
		gateway: gw,
		chain:   cfg.Backends,
		prompt:  prompt,
		backoff: time.Second,
	}
}

// Generate produces a title from the first user message, retrying transient failures.
func (g *Generator) Generate(ctx context.Context, firstMessage string) (string, error) {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return "", fmt.Errorf("empty message")
	}
	if len(firstMessage) > maxInputLength {
		firstMessage = firstMessage[:maxInputLength]
	}

	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		title, err := g.callAI(ctx, firstMessage)
		if err == nil {
			return title, nil
		}

		lastErr = err

		if isRetryableError(err) && attempt < maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * g.backoff):
				continue
			case <-ctx.Done():
				return "", fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			}
		}
		break
	}

	return "", lastErr
}

// callAI makes a single pass over the fallback chain
func (g *Generator) callAI(ctx context.Context, firstMessage string) (string, error) {
	maxOut := maxTokens
	temp := temperature

	text, err := g.gateway.GenerateWithFallback(ctx, g.chain, gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: g.prompt},
			{Role: gateway.RoleUser, Content: firstMessage},
		},
		Params: gateway.Params{Temperature: &temp, MaxTokens: &maxOut},
	})
	if err != nil {
		return "", err
	}

	title := cleanTitle(text)
	if title == "" {
		return "", fmt.Errorf("empty title in response")
	}
	return title, nil
}

// cleanTitle keeps the first line, strips quotes and trailing punctuation and caps the length.
func cleanTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`+"`*")
	title = strings.TrimRight(title, ".!")
	title = strings.TrimSpace(title)

	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	return title
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	retryablePatterns := []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"no such host", "EOF", "503", "502", "504", "429", "500",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
