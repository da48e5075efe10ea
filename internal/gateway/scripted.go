package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/routing"
)

// ScriptedBackend replays canned output. It is used by tests and local development.
type ScriptedBackend struct {
	// Tokens are streamed in order. Generate returns them joined unless Respond is set.
	Tokens []string

	// Respond, when set, computes the Generate result from the request.
	Respond func(req Request) (string, error)

	// Err fails both StreamGenerate and Generate before any output.
	Err error

	// StreamErr is returned by Stream.Next after all tokens were delivered.
	StreamErr error

	// Delay is waited before every token. The wait honours context cancellation.
	Delay time.Duration

	Usage *Usage

	mu       sync.Mutex
	requests []Request
}

func (b *ScriptedBackend) record(req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
}

// Requests returns the requests received so far.
func (b *ScriptedBackend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Request(nil), b.requests...)
}

func (b *ScriptedBackend) StreamGenerate(ctx context.Context, req Request) (*Stream, error) {
	b.record(req)

	if b.Err != nil {
		return nil, b.Err
	}

	i := 0
	stream := NewStream(nil, nil)
	stream.next = func() (string, error) {
		if b.Delay > 0 {
			select {
			case <-time.After(b.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		if i < len(b.Tokens) {
			token := b.Tokens[i]
			i++
			return token, nil
		}

		if b.Usage != nil {
			stream.setUsage(*b.Usage)
		}

		if b.StreamErr != nil {
			return "", b.StreamErr
		}

		return "", io.EOF
	}

	return stream, nil
}

func (b *ScriptedBackend) Generate(ctx context.Context, req Request) (string, error) {
	b.record(req)

	if b.Err != nil {
		return "", b.Err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if b.Respond != nil {
		return b.Respond(req)
	}

	return strings.Join(b.Tokens, ""), nil
}

type staticResolver map[string]Backend

func (s staticResolver) Route(backendID string) (*routing.ProviderConfig, error) {
	if _, ok := s[backendID]; !ok {
		return nil, fmt.Errorf("no backend configured for: %s", backendID)
	}

	return &routing.ProviderConfig{
		BackendID:       backendID,
		Name:            "static",
		Model:           backendID,
		TokenMultiplier: 1.0,
	}, nil
}

// NewStaticRegistry returns a registry serving a fixed set of backends keyed by id.
func NewStaticRegistry(backends map[string]Backend, log *logger.Logger) *Registry {
	resolver := staticResolver(backends)

	return NewRegistry(resolver, func(provider *routing.ProviderConfig) (Backend, error) {
		return resolver[provider.BackendID], nil
	}, log)
}
