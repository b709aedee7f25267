// Package app wires the configured parts into a running service: persona,
// memory, conversation, engagement machine, LLM backend, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/selkiehq/selkie/internal/chatlog"
	"github.com/selkiehq/selkie/internal/config"
	"github.com/selkiehq/selkie/internal/conversation"
	"github.com/selkiehq/selkie/internal/health"
	"github.com/selkiehq/selkie/internal/memory"
	"github.com/selkiehq/selkie/internal/npc"
	"github.com/selkiehq/selkie/internal/observe"
	"github.com/selkiehq/selkie/internal/persona"
	"github.com/selkiehq/selkie/internal/resilience"
	"github.com/selkiehq/selkie/internal/server"
	"github.com/selkiehq/selkie/pkg/provider/llm"
	"github.com/selkiehq/selkie/pkg/provider/llm/anyllm"
	"github.com/selkiehq/selkie/pkg/provider/llm/openai"
	"github.com/selkiehq/selkie/pkg/tokens"
)

// shutdownGrace bounds how long in-flight HTTP requests may drain.
const shutdownGrace = 10 * time.Second

// App holds the wired service.
type App struct {
	cfg     *config.Config
	persona *persona.Persona

	buffer  *npc.MessageBuffer
	machine *npc.Machine
	engine  *npc.Engine
	conv    *conversation.Manager
	store   *memory.Store
	logbook *chatlog.Writer

	httpSrv *http.Server
}

// New builds the full service from cfg. The caller is expected to have
// initialised the telemetry provider already.
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	p, err := loadPersona(cfg.PersonaPath)
	if err != nil {
		return nil, err
	}
	a.persona = p

	a.store = memory.NewStore()
	if n := p.Seed(a.store); n > 0 {
		slog.Info("persona facts seeded", "persona", p.Name, "facts", n)
	}

	if cfg.ChatLogPath != "" {
		a.logbook, err = chatlog.New(cfg.ChatLogPath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	warnOversizedPrompt(p.SystemPrompt, cfg.Context)

	convOpts := []conversation.Option{}
	if cfg.Memory.Enabled {
		convOpts = append(convOpts, conversation.WithMemorySource(a.store))
	}
	if a.logbook != nil {
		convOpts = append(convOpts, conversation.WithLogger(a.logbook))
	}
	a.conv = conversation.NewManager(p.SystemPrompt, conversation.Config{
		MaxHistoryMessages: cfg.Conversation.MaxHistoryMessages,
		MaxContextTokens:   cfg.Context.MaxTokens,
		InactivityTimeout:  cfg.Inactivity.Timeout(),
	}, convOpts...)

	metrics := observe.DefaultMetrics()

	a.buffer = npc.NewMessageBuffer(npc.BufferConfig{
		MaxPerSpeaker:     cfg.NPC.BufferMaxPerAvatar,
		MaxTotal:          cfg.NPC.BufferMaxTotalSize,
		AggregationWindow: cfg.NPC.BufferAggregationWindow(),
		Expiry:            cfg.NPC.BufferExpiry(),
	})
	if err := metrics.RegisterBufferGauge(func() int64 {
		return int64(a.buffer.TotalCount())
	}); err != nil {
		return nil, fmt.Errorf("app: register buffer gauge: %w", err)
	}

	decider := npc.NewDecider(npc.DeciderConfig{
		ResponseThreshold: cfg.NPC.ResponseThreshold,
		ResponseChance:    cfg.NPC.ResponseChance,
		Cooldown:          cfg.NPC.AvatarCooldown(),
		Score: npc.ScoreConfig{
			DirectMentionBonus:     cfg.NPC.Score.DirectMention,
			RecentInteractionBonus: cfg.NPC.Score.RecentInteraction,
			MessageCountMultiplier: cfg.NPC.Score.MessageCountMult,
			ConsecutiveBonus:       cfg.NPC.Score.ConsecutiveBonus,
			TimeDecayRate:          cfg.NPC.Score.TimeDecayRate,
			MaxTimeDecay:           cfg.NPC.Score.MaxTimeDecay,
			RandomnessRange:        cfg.NPC.Score.RandomnessRange,
		},
	})

	a.machine = npc.NewMachine(npc.MachineConfig{
		TickInterval:     cfg.NPC.TickInterval(),
		ListeningTimeout: cfg.NPC.ListeningTimeout(),
		ThinkingTimeout:  cfg.NPC.ThinkingTimeout(),
		SpeakingCooldown: cfg.NPC.SpeakingCooldown(),
	}, a.buffer, decider,
		npc.WithTransitionHook(func(from, to npc.State, _ string) {
			metrics.RecordTransition(context.Background(), string(from), string(to))
		}),
		npc.WithDecisionHook(func(d npc.Decision) {
			outcome := "decline"
			if d.Respond {
				outcome = "respond"
			}
			metrics.RecordDecision(context.Background(), outcome, d.Reason)
		}),
	)

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	detector := npc.NewMentionDetector(cfg.NPC.TriggerWords, cfg.NPC.FuzzyMentions)

	a.engine = npc.NewEngine(npc.EngineConfig{
		Enabled:           cfg.NPC.Enabled,
		WaitTimeout:       cfg.NPC.ListeningTimeout(),
		MemoryEnabled:     cfg.Memory.Enabled,
		MemoryTokenBudget: cfg.Memory.TokenBudget,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
	}, a.buffer, a.machine, detector, a.conv, provider,
		npc.WithReplyHook(func(latency time.Duration) {
			metrics.RecordReply(context.Background(), latency.Seconds())
		}),
	)

	h := health.New(map[string]health.Check{
		"llm": func(context.Context) error {
			if provider == nil {
				return errors.New("no backend configured")
			}
			return nil
		},
		"machine": func(context.Context) error {
			if a.machine.State() == "" {
				return errors.New("not started")
			}
			return nil
		},
	})

	srv := server.New(server.Config{
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, a.engine, a.store, h, metrics)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Persona returns the loaded persona.
func (a *App) Persona() *persona.Persona { return a.persona }

// Run starts the engagement machine and the HTTP listener and blocks until
// ctx is cancelled or either fails. Shutdown drains in-flight requests,
// archives the conversation, and flushes the chat log.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.machine.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.httpSrv.Shutdown(drain)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	a.conv.SaveAndReset("shutdown")
	a.conv.Close()
	if a.logbook != nil {
		if cerr := a.logbook.Close(); cerr != nil {
			slog.Warn("chat log close failed", "err", cerr)
		}
	}

	return err
}

// loadPersona reads the persona file, or falls back to the built-in one.
func loadPersona(path string) (*persona.Persona, error) {
	if path == "" {
		return persona.Default(), nil
	}
	p, err := persona.Load(path)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return p, nil
}

// warnOversizedPrompt logs when the system prompt alone eats more of the
// context budget than the configured share allows.
func warnOversizedPrompt(systemPrompt string, cfg config.ContextConfig) {
	if cfg.MaxTokens <= 0 || cfg.SystemPromptMaxPercent <= 0 {
		return
	}
	limit := cfg.MaxTokens * cfg.SystemPromptMaxPercent / 100
	if est := tokens.Estimate(systemPrompt); est > limit {
		slog.Warn("system prompt exceeds its context share",
			"estimated_tokens", est,
			"limit", limit)
	}
}

// buildProvider constructs the LLM backend from cfg, with optional failover
// to a second backend behind a circuit breaker.
func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	primary, err := newBackend(cfg.Provider, cfg.Model, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: llm backend: %w", err)
	}

	if cfg.FallbackProvider == "" {
		return primary, nil
	}

	fallbackModel := cfg.FallbackModel
	if fallbackModel == "" {
		fallbackModel = cfg.Model
	}
	fallback, err := newBackend(cfg.FallbackProvider, fallbackModel, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: fallback llm backend: %w", err)
	}

	fo := resilience.NewLLMFailover(primary, cfg.Provider, resilience.CircuitBreakerConfig{
		Name: "llm",
	})
	fo.AddFallback(cfg.FallbackProvider, fallback)
	slog.Info("llm failover enabled",
		"primary", cfg.Provider,
		"fallback", cfg.FallbackProvider)
	return fo, nil
}

// newBackend creates one LLM backend by provider name. "openai-native" uses
// the official SDK; everything else goes through the universal adapter.
func newBackend(name, model string, cfg config.LLMConfig) (llm.Provider, error) {
	if name == "openai-native" {
		opts := []openai.Option{openai.WithTimeout(cfg.Timeout())}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(name, model, opts...)
}
