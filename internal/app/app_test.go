package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/selkiehq/selkie/internal/app"
	"github.com/selkiehq/selkie/internal/config"
)

// testConfig returns a config that wires without external services.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = "test-key"
	cfg.ChatLogPath = filepath.Join(t.TempDir(), "chat.jsonl")
	return cfg
}

func TestNewWiresDefaults(t *testing.T) {
	a, err := app.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.Persona().Name; got != "Selkie" {
		t.Errorf("persona = %q, want built-in Selkie", got)
	}
}

func TestNewWithFailoverBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.FallbackProvider = "ollama"
	cfg.LLM.FallbackModel = "llama3"

	if _, err := app.New(cfg); err != nil {
		t.Fatalf("New with fallback: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := app.New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
