package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/selkiehq/selkie/pkg/provider/llm"
)

// ErrAllBackendsFailed is returned when every backend in an [LLMFailover]
// fails or has an open circuit breaker.
var ErrAllBackendsFailed = errors.New("resilience: all llm backends failed")

// backendEntry pairs an LLM backend with its dedicated circuit breaker.
type backendEntry struct {
	name    string
	prov    llm.Provider
	breaker *CircuitBreaker
}

// LLMFailover implements [llm.Provider] with automatic failover across
// multiple LLM backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried in
// registration order.
//
// Only the initial connection attempt of a stream is covered by failover; once
// a stream is established, mid-stream errors are the caller's responsibility.
type LLMFailover struct {
	mu      sync.RWMutex
	entries []backendEntry
	cbCfg   CircuitBreakerConfig
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend. cbCfg configures the per-backend circuit breakers (the Name field
// is overridden per backend).
func NewLLMFailover(primary llm.Provider, primaryName string, cbCfg CircuitBreakerConfig) *LLMFailover {
	f := &LLMFailover{cbCfg: cbCfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional LLM backend. Fallbacks are tried in the
// order they are added, after the primary.
func (f *LLMFailover) AddFallback(name string, prov llm.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add(name, prov)
}

// add appends a backend entry. Callers other than NewLLMFailover must hold f.mu.
func (f *LLMFailover) add(name string, prov llm.Provider) {
	cfg := f.cbCfg
	cfg.Name = name
	f.entries = append(f.entries, backendEntry{
		name:    name,
		prov:    prov,
		breaker: NewCircuitBreaker(cfg),
	})
}

// snapshot returns a copy of the backend list.
func (f *LLMFailover) snapshot() []backendEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]backendEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// execute tries fn against each backend in order until one succeeds.
// Circuit-open backends are skipped. Returns [ErrAllBackendsFailed] wrapped
// with the last error if every backend fails.
func execute[R any](f *LLMFailover, fn func(llm.Provider) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, entry := range f.snapshot() {
		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.prov)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping llm backend (circuit open)", "backend", entry.name)
			continue
		}
		slog.Warn("llm backend failed, trying next", "backend", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllBackendsFailed, lastErr)
}

// Complete sends the request to the first healthy backend and returns its
// response.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return execute(f, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion sends the request to the first healthy backend and returns
// a streaming chunk channel.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return execute(f, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the primary backend's token counter. Token
// estimation is local arithmetic, so failover is unnecessary.
func (f *LLMFailover) CountTokens(messages []llm.Message) (int, error) {
	entries := f.snapshot()
	if len(entries) == 0 {
		return 0, errors.New("resilience: no llm backends registered")
	}
	return entries[0].prov.CountTokens(messages)
}

// Capabilities returns the capabilities of the primary backend. This does not
// participate in failover because capabilities are static metadata.
func (f *LLMFailover) Capabilities() llm.ModelCapabilities {
	entries := f.snapshot()
	if len(entries) == 0 {
		return llm.ModelCapabilities{}
	}
	return entries[0].prov.Capabilities()
}
