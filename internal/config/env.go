package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays the environment-variable surface on top of the current
// values. Malformed values are logged and skipped, keeping the prior value.
func (c *Config) applyEnv() {
	envString("LOG_LEVEL", &c.LogLevel)
	envString("PERSONA_PATH", &c.PersonaPath)
	envString("CHAT_LOG_PATH", &c.ChatLogPath)

	envString("SERVER_LISTEN_ADDR", &c.Server.ListenAddr)
	envFloat("SERVER_RATE_LIMIT_RPS", &c.Server.RateLimitRPS)
	envInt("SERVER_RATE_LIMIT_BURST", &c.Server.RateLimitBurst)

	envString("LLM_PROVIDER", &c.LLM.Provider)
	envString("LLM_MODEL", &c.LLM.Model)
	envString("LLM_API_KEY", &c.LLM.APIKey)
	envString("LLM_BASE_URL", &c.LLM.BaseURL)
	envString("LLM_FALLBACK_PROVIDER", &c.LLM.FallbackProvider)
	envString("LLM_FALLBACK_MODEL", &c.LLM.FallbackModel)
	envFloat("LLM_TEMPERATURE", &c.LLM.Temperature)
	envInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	envInt("LLM_TIMEOUT_MS", &c.LLM.TimeoutMs)

	envBool("NPC_ENABLED", &c.NPC.Enabled)
	envInt("NPC_TICK_INTERVAL_MS", &c.NPC.TickIntervalMs)
	envInt("NPC_LISTENING_TIMEOUT_MS", &c.NPC.ListeningTimeoutMs)
	envInt("NPC_THINKING_TIMEOUT_MS", &c.NPC.ThinkingTimeoutMs)
	envInt("NPC_SPEAKING_COOLDOWN_MS", &c.NPC.SpeakingCooldownMs)
	envInt("NPC_BUFFER_MAX_PER_AVATAR", &c.NPC.BufferMaxPerAvatar)
	envInt("NPC_BUFFER_MAX_TOTAL_SIZE", &c.NPC.BufferMaxTotalSize)
	envInt("NPC_BUFFER_AGGREGATION_WINDOW_MS", &c.NPC.BufferAggregationWindowMs)
	envInt("NPC_BUFFER_EXPIRY_MS", &c.NPC.BufferExpiryMs)
	envFloat("NPC_RESPONSE_THRESHOLD", &c.NPC.ResponseThreshold)
	envFloat("NPC_RESPONSE_CHANCE", &c.NPC.ResponseChance)
	envList("NPC_TRIGGER_WORDS", &c.NPC.TriggerWords)
	envBool("NPC_FUZZY_MENTIONS", &c.NPC.FuzzyMentions)
	envInt("NPC_AVATAR_COOLDOWN_MS", &c.NPC.AvatarCooldownMs)

	envFloat("NPC_SCORE_DIRECT_MENTION", &c.NPC.Score.DirectMention)
	envFloat("NPC_SCORE_RECENT_INTERACTION", &c.NPC.Score.RecentInteraction)
	envFloat("NPC_SCORE_MESSAGE_COUNT_MULT", &c.NPC.Score.MessageCountMult)
	envFloat("NPC_SCORE_CONSECUTIVE_BONUS", &c.NPC.Score.ConsecutiveBonus)
	envFloat("NPC_SCORE_MAX_TIME_DECAY", &c.NPC.Score.MaxTimeDecay)
	envFloat("NPC_SCORE_TIME_DECAY_RATE", &c.NPC.Score.TimeDecayRate)
	envFloat("NPC_SCORE_RANDOMNESS_RANGE", &c.NPC.Score.RandomnessRange)

	envInt("CONVERSATION_MAX_HISTORY_MESSAGES", &c.Conversation.MaxHistoryMessages)
	envInt("CONTEXT_MAX_TOKENS", &c.Context.MaxTokens)
	envInt("CONTEXT_SYSTEM_PROMPT_MAX_PERCENT", &c.Context.SystemPromptMaxPercent)
	envBool("MEMORY_ENABLED", &c.Memory.Enabled)
	envInt("MEMORY_TOKEN_BUDGET", &c.Memory.TokenBudget)
	envInt("INACTIVITY_TIMEOUT_MS", &c.Inactivity.TimeoutMs)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed boolean env var", "key", key, "value", v)
		return
	}
	*dst = b
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer env var", "key", key, "value", v)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed float env var", "key", key, "value", v)
		return
	}
	*dst = f
}

// envList parses a comma-separated list, trimming whitespace around items.
func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}
