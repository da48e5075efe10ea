package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"

	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/routing"
)

type countingResolver struct {
	providers map[string]*routing.ProviderConfig
}

func (r *countingResolver) Route(backendID string) (*routing.ProviderConfig, error) {
	provider, ok := r.providers[backendID]
	if !ok {
		return nil, stderrors.New("unknown backend")
	}
	return provider, nil
}

func TestRegistryConstructsLazilyAndCaches(t *testing.T) {
	resolver := &countingResolver{providers: map[string]*routing.ProviderConfig{
		"a": {BackendID: "a", Name: "p", Model: "model-a"},
		"b": {BackendID: "b", Name: "p", Model: "model-b"},
	}}

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)

	registry := NewRegistry(resolver, func(provider *routing.ProviderConfig) (Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[provider.BackendID]++
		return &ScriptedBackend{Tokens: []string{provider.Model}}, nil
	}, log)

	if len(calls) != 0 {
		t.Fatal("expected no backend to be constructed up front")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := registry.Get("a"); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls["a"] != 1 {
		t.Errorf("expected backend a to be constructed once, got %d", calls["a"])
	}
	if calls["b"] != 0 {
		t.Errorf("expected backend b not to be constructed, got %d", calls["b"])
	}

	if _, _, err := registry.Get("missing"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRegistryAppliesEndpointModelAndCap(t *testing.T) {
	backend := &ScriptedBackend{Tokens: []string{"ok"}}
	resolver := &countingResolver{providers: map[string]*routing.ProviderConfig{
		"glm": {BackendID: "glm-4.6", Name: "Local", Model: "zai-org/GLM-4.6", MaxOutputTokens: 100, TokenMultiplier: 2},
	}}

	registry := NewRegistry(resolver, func(*routing.ProviderConfig) (Backend, error) {
		return backend, nil
	}, log)

	stream, err := registry.StreamGenerate(context.Background(), "glm", Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Params:   Params{MaxTokens: intPtr(5000)},
	})
	if err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}
	defer stream.Close()

	if stream.BackendID != "glm-4.6" || stream.Provider != "Local" || stream.TokenMultiplier != 2 {
		t.Errorf("unexpected stream metadata %+v", stream)
	}

	requests := backend.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	if requests[0].Model != "zai-org/GLM-4.6" {
		t.Errorf("expected endpoint model, got %s", requests[0].Model)
	}
	if *requests[0].Params.MaxTokens != 100 {
		t.Errorf("expected max tokens capped to 100, got %d", *requests[0].Params.MaxTokens)
	}
}

func TestGenerateWithFallback(t *testing.T) {
	failing := &ScriptedBackend{Err: stderrors.New("boom")}
	succeeding := &ScriptedBackend{Tokens: []string{"fallback ", "answer"}}
	unused := &ScriptedBackend{Tokens: []string{"unused"}}

	registry := NewStaticRegistry(map[string]Backend{
		"primary":   failing,
		"secondary": succeeding,
		"tertiary":  unused,
	}, log)

	req := Request{
		Messages: []Message{{Role: RoleUser, Content: "outline please"}},
		Params:   Params{Temperature: floatPtr(0.3), MaxTokens: intPtr(2000)},
	}

	text, err := registry.GenerateWithFallback(context.Background(), []string{"primary", "secondary", "tertiary"}, req)
	if err != nil {
		t.Fatalf("GenerateWithFallback failed: %v", err)
	}
	if text != "fallback answer" {
		t.Errorf("unexpected text %q", text)
	}

	if len(unused.Requests()) != 0 {
		t.Error("expected the chain to stop at the first success")
	}

	// Every attempt carries identical parameters.
	first, second := failing.Requests()[0], succeeding.Requests()[0]
	if *first.Params.Temperature != *second.Params.Temperature || *first.Params.MaxTokens != *second.Params.MaxTokens {
		t.Errorf("expected identical parameters, got %+v and %+v", first.Params, second.Params)
	}
	if first.Messages[0] != second.Messages[0] {
		t.Error("expected identical messages")
	}
}

func TestGenerateWithFallbackExhausted(t *testing.T) {
	lastErr := stderrors.New("second failure")

	registry := NewStaticRegistry(map[string]Backend{
		"a": &ScriptedBackend{Err: stderrors.New("first failure")},
		"b": &ScriptedBackend{Err: lastErr},
	}, log)

	_, err := registry.GenerateWithFallback(context.Background(), []string{"a", "b"}, Request{})
	if err == nil {
		t.Fatal("expected error")
	}

	if errors.KindOf(err) != errors.KindBackendUnavailable {
		t.Errorf("expected kind %s, got %s", errors.KindBackendUnavailable, errors.KindOf(err))
	}
	if !stderrors.Is(err, lastErr) {
		t.Errorf("expected error to wrap the last failure, got %v", err)
	}

	_, err = registry.GenerateWithFallback(context.Background(), nil, Request{})
	if errors.KindOf(err) != errors.KindBackendUnavailable {
		t.Errorf("expected kind %s for empty chain, got %v", errors.KindBackendUnavailable, err)
	}
}

func TestGenerateWithFallbackSkipsUnknownBackends(t *testing.T) {
	registry := NewStaticRegistry(map[string]Backend{
		"known": &ScriptedBackend{Tokens: []string{"ok"}},
	}, log)

	text, err := registry.GenerateWithFallback(context.Background(), []string{"unknown", "known"}, Request{})
	if err != nil {
		t.Fatalf("GenerateWithFallback failed: %v", err)
	}
	if text != "ok" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestStreamGenerateNeverFallsBack(t *testing.T) {
	registry := NewStaticRegistry(map[string]Backend{
		"a": &ScriptedBackend{Err: stderrors.New("connection refused")},
	}, log)

	_, err := registry.StreamGenerate(context.Background(), "a", Request{})
	if errors.KindOf(err) != errors.KindUpstream {
		t.Errorf("expected kind %s, got %v", errors.KindUpstream, err)
	}

	_, err = registry.StreamGenerate(context.Background(), "missing", Request{})
	if errors.KindOf(err) != errors.KindBackendUnavailable {
		t.Errorf("expected kind %s, got %v", errors.KindBackendUnavailable, err)
	}
}

func TestScriptedStreamHonoursCancellation(t *testing.T) {
	backend := &ScriptedBackend{Tokens: []string{"a", "b", "c"}}

	ctx, cancel := context.WithCancel(context.Background())

	stream, err := backend.StreamGenerate(ctx, Request{})
	if err != nil {
		t.Fatalf("StreamGenerate failed: %v", err)
	}

	if token, err := stream.Next(); err != nil || token != "a" {
		t.Fatalf("unexpected first token %q, %v", token, err)
	}

	cancel()

	if _, err := stream.Next(); !stderrors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestScriptedStreamUsage(t *testing.T) {
	backend := &ScriptedBackend{
		Tokens: []string{"x"},
		Usage:  &Usage{PromptTokens: 3, CompletionTokens: 1},
	}

	stream, _ := backend.StreamGenerate(context.Background(), Request{})

	if _, err := drain(t, stream); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	if usage := stream.Usage(); usage == nil || usage.TotalTokens != 4 {
		t.Errorf("expected total tokens 4, got %+v", usage)
	}
}
