package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/selkiehq/selkie/internal/resilience"
	"github.com/selkiehq/selkie/pkg/provider/llm"
	"github.com/selkiehq/selkie/pkg/provider/llm/mock"
)

func TestLLMFailoverUsesPrimary(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
	}
	fallback := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.CircuitBreakerConfig{})
	f.AddFallback("fallback", fallback)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("Content = %q, want %q", resp.Content, "from primary")
	}
	if fallback.Calls() != 0 {
		t.Errorf("fallback was called %d times, want 0", fallback.Calls())
	}
}

func TestLLMFailoverFallsBackOnError(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{CompleteErr: errBoom}
	fallback := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.CircuitBreakerConfig{})
	f.AddFallback("fallback", fallback)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("Content = %q, want %q", resp.Content, "from fallback")
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
}

func TestLLMFailoverAllBackendsFail(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{CompleteErr: errBoom}
	fallback := &mock.Provider{CompleteErr: errBoom}

	f := resilience.NewLLMFailover(primary, "primary", resilience.CircuitBreakerConfig{})
	f.AddFallback("fallback", fallback)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, resilience.ErrAllBackendsFailed) {
		t.Errorf("Complete() error = %v, want ErrAllBackendsFailed", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Complete() error = %v, want wrapped %v", err, errBoom)
	}
}

func TestLLMFailoverSkipsOpenCircuit(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{CompleteErr: errBoom}
	fallback := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok"},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	f.AddFallback("fallback", fallback)

	// Trip the primary breaker.
	for i := 0; i < 3; i++ {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}

	primaryCalls := primary.Calls()
	if primaryCalls != 2 {
		t.Errorf("primary calls = %d, want 2 (breaker open after that)", primaryCalls)
	}
	if fallback.Calls() != 3 {
		t.Errorf("fallback calls = %d, want 3", fallback.Calls())
	}
}

func TestLLMFailoverStreamCompletion(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{StreamErr: errBoom}
	fallback := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hello"}, {Text: " world", FinishReason: "stop"}},
	}

	f := resilience.NewLLMFailover(primary, "primary", resilience.CircuitBreakerConfig{})
	f.AddFallback("fallback", fallback)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "hello world" {
		t.Errorf("streamed text = %q, want %q", text, "hello world")
	}
}

func TestLLMFailoverDelegatesMetadata(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{
		TokenCount: 42,
		Caps:       llm.ModelCapabilities{ContextWindow: 1234, SupportsStreaming: true},
	}
	f := resilience.NewLLMFailover(primary, "primary", resilience.CircuitBreakerConfig{})

	n, err := f.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil || n != 42 {
		t.Errorf("CountTokens() = %d, %v, want 42, nil", n, err)
	}
	if caps := f.Capabilities(); caps.ContextWindow != 1234 {
		t.Errorf("Capabilities().ContextWindow = %d, want 1234", caps.ContextWindow)
	}
}
