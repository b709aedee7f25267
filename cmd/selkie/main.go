// Command selkie is the NPC engagement server: it mediates between a
// virtual-world chat source and an LLM backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/selkiehq/selkie/internal/app"
	"github.com/selkiehq/selkie/internal/config"
	"github.com/selkiehq/selkie/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment overrides apply)")
	personaPath := flag.String("persona", "", "path to the persona YAML file (overrides the configured one)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "selkie: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "selkie: %v\n", err)
		}
		return 1
	}
	if *personaPath != "" {
		cfg.PersonaPath = *personaPath
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("selkie starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "selkie",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, application.Persona().Name)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, personaName string) {
	engine := "disabled"
	if cfg.NPC.Enabled {
		engine = "enabled"
	}
	memory := "disabled"
	if cfg.Memory.Enabled {
		memory = fmt.Sprintf("%d tokens", cfg.Memory.TokenBudget)
	}
	llm := cfg.LLM.Provider + " / " + cfg.LLM.Model
	if cfg.LLM.FallbackProvider != "" {
		llm += " (+fallback)"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Selkie — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Persona", personaName)
	printRow("LLM", llm)
	printRow("Engine", engine)
	printRow("Memory", memory)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
