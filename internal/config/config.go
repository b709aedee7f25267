// Package config defines the server configuration: a YAML file schema with an
// environment-variable overlay. Environment values win over file values, and
// every knob has a sensible default, so both the file and the environment are
// optional.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// PersonaPath points to the persona YAML file. Empty uses the built-in
	// persona.
	PersonaPath string `yaml:"persona_path"`

	// ChatLogPath is the JSONL conversation log. Empty disables logging.
	ChatLogPath string `yaml:"chat_log_path"`

	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	NPC          NPCConfig          `yaml:"npc"`
	Conversation ConversationConfig `yaml:"conversation"`
	Context      ContextConfig      `yaml:"context"`
	Memory       MemoryConfig       `yaml:"memory"`
	Inactivity   InactivityConfig   `yaml:"inactivity"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`

	// RateLimitRPS is the per-speaker sustained request rate. Zero disables
	// rate limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`

	// RateLimitBurst is the per-speaker burst allowance.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// LLMConfig selects and tunes the LLM backend.
type LLMConfig struct {
	// Provider is the backend name: openai-native, or any of the universal
	// backends (openai, anthropic, gemini, ollama, deepseek, mistral, groq,
	// llamacpp, llamafile).
	Provider string `yaml:"provider"`

	// Model is the model identifier passed to the backend.
	Model string `yaml:"model"`

	// APIKey authenticates against the backend. Usually set via environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend endpoint (local gateways, proxies).
	BaseURL string `yaml:"base_url"`

	// FallbackProvider and FallbackModel configure a second backend tried
	// when the primary fails. Empty disables failover.
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutMs   int     `yaml:"timeout_ms"`
}

// ScoreConfig holds the decision-layer scoring weights.
type ScoreConfig struct {
	DirectMention     float64 `yaml:"direct_mention"`
	RecentInteraction float64 `yaml:"recent_interaction"`
	MessageCountMult  float64 `yaml:"message_count_mult"`
	ConsecutiveBonus  float64 `yaml:"consecutive_bonus"`
	MaxTimeDecay      float64 `yaml:"max_time_decay"`
	TimeDecayRate     float64 `yaml:"time_decay_rate"`
	RandomnessRange   float64 `yaml:"randomness_range"`
}

// NPCConfig holds the engagement-engine settings.
type NPCConfig struct {
	Enabled bool `yaml:"enabled"`

	TickIntervalMs     int `yaml:"tick_interval_ms"`
	ListeningTimeoutMs int `yaml:"listening_timeout_ms"`
	ThinkingTimeoutMs  int `yaml:"thinking_timeout_ms"`
	SpeakingCooldownMs int `yaml:"speaking_cooldown_ms"`

	BufferMaxPerAvatar        int `yaml:"buffer_max_per_avatar"`
	BufferMaxTotalSize        int `yaml:"buffer_max_total_size"`
	BufferAggregationWindowMs int `yaml:"buffer_aggregation_window_ms"`
	BufferExpiryMs            int `yaml:"buffer_expiry_ms"`

	ResponseThreshold float64  `yaml:"response_threshold"`
	ResponseChance    float64  `yaml:"response_chance"`
	TriggerWords      []string `yaml:"trigger_words"`

	// FuzzyMentions enables typo-tolerant trigger matching.
	FuzzyMentions bool `yaml:"fuzzy_mentions"`

	AvatarCooldownMs int `yaml:"avatar_cooldown_ms"`

	Score ScoreConfig `yaml:"score"`
}

// ConversationConfig holds the history settings.
type ConversationConfig struct {
	MaxHistoryMessages int `yaml:"max_history_messages"`
}

// ContextConfig holds the prompt token budget.
type ContextConfig struct {
	MaxTokens              int `yaml:"max_tokens"`
	SystemPromptMaxPercent int `yaml:"system_prompt_max_percent"`
}

// MemoryConfig holds the long-term memory settings.
type MemoryConfig struct {
	Enabled     bool `yaml:"enabled"`
	TokenBudget int  `yaml:"token_budget"`
}

// InactivityConfig holds the conversation auto-reset timer.
type InactivityConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// Default returns a Config with every knob at its default.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:     ":8080",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.8,
			MaxTokens:   512,
			TimeoutMs:   60_000,
		},
		NPC: NPCConfig{
			Enabled:                   false,
			TickIntervalMs:            1000,
			ListeningTimeoutMs:        15_000,
			ThinkingTimeoutMs:         30_000,
			SpeakingCooldownMs:        5000,
			BufferMaxPerAvatar:        10,
			BufferMaxTotalSize:        50,
			BufferAggregationWindowMs: 5000,
			BufferExpiryMs:            60_000,
			ResponseThreshold:         50,
			ResponseChance:            0.8,
			TriggerWords:              []string{"maid", "cat-maid", "kitty"},
			AvatarCooldownMs:          30_000,
			Score: ScoreConfig{
				DirectMention:     100,
				RecentInteraction: 30,
				MessageCountMult:  5,
				ConsecutiveBonus:  10,
				MaxTimeDecay:      20,
				TimeDecayRate:     2,
				RandomnessRange:   10,
			},
		},
		Conversation: ConversationConfig{
			MaxHistoryMessages: 50,
		},
		Context: ContextConfig{
			MaxTokens:              8000,
			SystemPromptMaxPercent: 80,
		},
		Memory: MemoryConfig{
			Enabled:     true,
			TokenBudget: 500,
		},
		Inactivity: InactivityConfig{
			TimeoutMs: 3_600_000,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then the environment overlay.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and required relationships. All violations are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.NPC.TickIntervalMs <= 0 {
		errs = append(errs, errors.New("npc.tick_interval_ms must be positive"))
	}
	if c.NPC.BufferMaxPerAvatar <= 0 {
		errs = append(errs, errors.New("npc.buffer_max_per_avatar must be positive"))
	}
	if c.NPC.BufferMaxTotalSize < c.NPC.BufferMaxPerAvatar {
		errs = append(errs, errors.New("npc.buffer_max_total_size must be >= buffer_max_per_avatar"))
	}
	if c.NPC.ResponseChance < 0 || c.NPC.ResponseChance > 1 {
		errs = append(errs, errors.New("npc.response_chance must be in [0, 1]"))
	}
	if c.NPC.Enabled && len(c.NPC.TriggerWords) == 0 {
		errs = append(errs, errors.New("npc.trigger_words must not be empty when the engine is enabled"))
	}
	if c.Context.SystemPromptMaxPercent < 0 || c.Context.SystemPromptMaxPercent > 100 {
		errs = append(errs, errors.New("context.system_prompt_max_percent must be in [0, 100]"))
	}
	if c.Memory.Enabled && c.Memory.TokenBudget <= 0 {
		errs = append(errs, errors.New("memory.token_budget must be positive when memory is enabled"))
	}
	if c.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider must not be empty"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model must not be empty"))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}

	return errors.Join(errs...)
}

// ── Duration accessors ─────────────────────────────────────────────────────

func (c *NPCConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c *NPCConfig) ListeningTimeout() time.Duration {
	return time.Duration(c.ListeningTimeoutMs) * time.Millisecond
}

func (c *NPCConfig) ThinkingTimeout() time.Duration {
	return time.Duration(c.ThinkingTimeoutMs) * time.Millisecond
}

func (c *NPCConfig) SpeakingCooldown() time.Duration {
	return time.Duration(c.SpeakingCooldownMs) * time.Millisecond
}

func (c *NPCConfig) BufferAggregationWindow() time.Duration {
	return time.Duration(c.BufferAggregationWindowMs) * time.Millisecond
}

func (c *NPCConfig) BufferExpiry() time.Duration {
	return time.Duration(c.BufferExpiryMs) * time.Millisecond
}

func (c *NPCConfig) AvatarCooldown() time.Duration {
	return time.Duration(c.AvatarCooldownMs) * time.Millisecond
}

func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *InactivityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
