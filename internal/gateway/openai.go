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

// OpenAIBackend talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIBackend struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logger.Logger
}

// NewOpenAIBackend creates a chat completions backend rooted at baseURL.
func NewOpenAIBackend(httpClient *http.Client, baseURL, apiKey string, log *logger.Logger) *OpenAIBackend {
	return &OpenAIBackend{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		logger:     log,
	}
}

type chatCompletionsRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionsChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (b *OpenAIBackend) buildRequest(req Request, stream bool) chatCompletionsRequest {
	wireRequest := chatCompletionsRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
	}

	if stream {
		wireRequest.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	return wireRequest
}

func (b *OpenAIBackend) do(ctx context.Context, wireRequest chatCompletionsRequest) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if wireRequest.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
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

// StreamGenerate opens a streaming chat completion. Chunks that fail to decode are dropped.
func (b *OpenAIBackend) StreamGenerate(ctx context.Context, req Request) (*Stream, error) {
	resp, err := b.do(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	reader := newSSEReader(resp.Body)
	stream := NewStream(nil, resp.Body)

	stream.next = func() (string, error) {
		for {
			event, err := reader.Next()
			if err != nil {
				return "", err
			}

			if event.Data == "[DONE]" {
				return "", io.EOF
			}

			var chunk chatCompletionsChunk
			if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
				b.logger.Warn("dropping malformed upstream chunk",
					slog.String("kind", string(errors.KindMalformedUpstreamChunk)),
					slog.String("model", req.Model),
					slog.String("error", err.Error()))
				continue
			}

			if chunk.Error != nil {
				return "", fmt.Errorf("upstream stream error: %s", chunk.Error.Message)
			}

			if chunk.Usage != nil {
				stream.setUsage(*chunk.Usage)
			}

			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			return chunk.Choices[0].Delta.Content, nil
		}
	}

	return stream, nil
}

// Generate runs a non-streaming chat completion.
func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := b.do(ctx, b.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var result chatCompletionsResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response (model: %s)", req.Model)
	}

	return result.Choices[0].Message.Content, nil
}
