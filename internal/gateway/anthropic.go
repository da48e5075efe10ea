package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicBackend talks to the Anthropic Messages API.
type AnthropicBackend struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logger.Logger
}

// NewAnthropicBackend creates a Messages API backend rooted at baseURL.
func NewAnthropicBackend(httpClient *http.Client, baseURL, apiKey string, log *logger.Logger) *AnthropicBackend {
	return &AnthropicBackend{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		logger:     log,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// buildRequest converts messages to the Messages API shape. System messages are hoisted
// into the top-level system prompt since the API has no system role.
func (b *AnthropicBackend) buildRequest(req Request, stream bool) anthropicRequest {
	wireRequest := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   anthropicDefaultMaxTokens,
		Stream:      stream,
		Temperature: req.Params.Temperature,
	}

	if req.Params.MaxTokens != nil {
		wireRequest.MaxTokens = *req.Params.MaxTokens
	}

	var system []string
	for _, message := range req.Messages {
		if message.Role == RoleSystem {
			system = append(system, message.Content)
			continue
		}

		wireRequest.Messages = append(wireRequest.Messages, anthropicMessage{
			Role:    string(message.Role),
			Content: message.Content,
		})
	}

	wireRequest.System = strings.Join(system, "\n\n")

	return wireRequest
}

func (b *AnthropicBackend) do(ctx context.Context, wireRequest anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if b.apiKey != "" {
		httpReq.Header.Set("x-api-key", b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", b.baseURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return resp, nil
}

// StreamGenerate opens a streaming Messages API call and yields text deltas.
func (b *AnthropicBackend) StreamGenerate(ctx context.Context, req Request) (*Stream, error) {
	resp, err := b.do(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	reader := newSSEReader(resp.Body)
	stream := NewStream(nil, resp.Body)

	var usage Usage

	stream.next = func() (string, error) {
		for {
			event, err := reader.Next()
			if err != nil {
				return "", err
			}

			switch event.Type {
			case "message_start":
				var envelope struct {
					Message struct {
						Usage struct {
							InputTokens int `json:"input_tokens"`
						} `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					b.dropMalformed(req, event, err)
					continue
				}
				usage.PromptTokens = envelope.Message.Usage.InputTokens
				stream.setUsage(usage)

			case "content_block_delta":
				var envelope struct {
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					b.dropMalformed(req, event, err)
					continue
				}
				if envelope.Delta.Type == "text_delta" && envelope.Delta.Text != "" {
					return envelope.Delta.Text, nil
				}

			case "message_delta":
				var envelope struct {
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					b.dropMalformed(req, event, err)
					continue
				}
				usage.CompletionTokens = envelope.Usage.OutputTokens
				usage.TotalTokens = 0
				stream.setUsage(usage)

			case "message_stop":
				return "", io.EOF

			case "error":
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal([]byte(event.Data), &envelope) == nil {
					return "", fmt.Errorf("upstream stream error: %s: %s", envelope.Error.Type, envelope.Error.Message)
				}
				return "", fmt.Errorf("upstream stream error: %s", event.Data)
			}
		}
	}

	return stream, nil
}

func (b *AnthropicBackend) dropMalformed(req Request, event sseEvent, err error) {
	b.logger.Warn("dropping malformed upstream chunk",
		slog.String("kind", string(errors.KindMalformedUpstreamChunk)),
		slog.String("model", req.Model),
		slog.String("event", event.Type),
		slog.String("error", err.Error()))
}

// Generate runs a non-streaming Messages API call and concatenates the text blocks.
func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := b.do(ctx, b.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("no text content in response (model: %s)", req.Model)
	}

	return text.String(), nil
}
