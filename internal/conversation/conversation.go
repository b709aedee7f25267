// Package conversation manages the ordered dialogue history of the persona
// and assembles token-budgeted prompts for the LLM.
//
// The history always begins with the persona system prompt; trimming and
// reset never remove it. User turns arrive already prefixed with the
// speaker's display name. Relevant long-term memories are injected as extra
// system turns directly after the persona prompt.
package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/selkiehq/selkie/internal/chatlog"
	"github.com/selkiehq/selkie/internal/memory"
	"github.com/selkiehq/selkie/pkg/provider/llm"
	"github.com/selkiehq/selkie/pkg/tokens"
)

// memoryPrefix marks injected memory turns so the model can tell them apart
// from the persona prompt.
const memoryPrefix = "[Memory] "

// recentTurnsForMemory is how many trailing turns feed the memory keyword
// search.
const recentTurnsForMemory = 5

// MemorySource yields memory entries relevant to recent conversation text
// within a token budget.
type MemorySource interface {
	Relevant(recentTexts []string, tokenBudget int) []memory.Entry
}

// Logger receives finished conversations. Implementations must not block.
type Logger interface {
	Log(rec chatlog.Record)
}

// Config holds the tunables of a [Manager].
type Config struct {
	// MaxHistoryMessages caps the number of non-system turns kept verbatim.
	MaxHistoryMessages int

	// MaxContextTokens is the total prompt budget. Zero disables budget
	// truncation (memory injection still applies).
	MaxContextTokens int

	// InactivityTimeout resets the conversation when no user turn arrives for
	// this long. Zero disables the timer.
	InactivityTimeout time.Duration
}

// Manager holds the conversation history. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	memories MemorySource
	logger   Logger

	mu      sync.Mutex
	history []llm.Message
	timer   *time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithMemorySource attaches a memory store consulted by
// [Manager.HistoryWithMemories].
func WithMemorySource(src MemorySource) Option {
	return func(m *Manager) { m.memories = src }
}

// WithLogger attaches a sink for finished conversations.
func WithLogger(l Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager seeded with the persona system prompt.
func NewManager(systemPrompt string, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		history: []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AppendUser appends a user turn (already display-name prefixed) and re-arms
// the inactivity timer.
func (m *Manager) AppendUser(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, llm.Message{Role: llm.RoleUser, Content: text})
	m.trimLocked()
	m.armTimerLocked()
}

// AppendAssistant appends an assistant turn, trimming the history if needed.
func (m *Manager) AppendAssistant(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	m.trimLocked()
}

// RemoveLast pops the most recent non-system turn. Used to roll back the user
// turn when the LLM call fails. It reports whether a turn was removed.
func (m *Manager) RemoveLast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) <= 1 {
		return false
	}
	m.history = m.history[:len(m.history)-1]
	return true
}

// History returns a copy of the full ordered history.
func (m *Manager) History() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.history...)
}

// Len returns the current number of turns including the system prompt.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// HistoryWithBudget returns the system turn plus the newest turns that fit
// within MaxContextTokens after the system prompt's share is deducted.
// With budgeting disabled it is equivalent to [Manager.History].
func (m *Manager) HistoryWithBudget() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxContextTokens <= 0 {
		return append([]llm.Message(nil), m.history...)
	}

	budget := m.cfg.MaxContextTokens - tokens.EstimateTurn(m.history[0].Content)
	tail := m.newestWithinLocked(budget)

	out := make([]llm.Message, 0, 1+len(tail))
	out = append(out, m.history[0])
	return append(out, tail...)
}

// HistoryWithMemories returns the system turn, relevant memories rendered as
// "[Memory] " system turns, and the newest turns that fit in the remaining
// budget. memoryBudget bounds the token cost of the injected memories.
func (m *Manager) HistoryWithMemories(memoryBudget int) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memTurns []llm.Message
	if m.memories != nil {
		recent := m.recentTextsLocked()
		for _, e := range m.memories.Relevant(recent, memoryBudget) {
			memTurns = append(memTurns, llm.Message{
				Role:    llm.RoleSystem,
				Content: memoryPrefix + e.Content,
			})
		}
	}

	tail := m.history[1:]
	if m.cfg.MaxContextTokens > 0 {
		budget := m.cfg.MaxContextTokens - tokens.EstimateTurn(m.history[0].Content)
		for _, t := range memTurns {
			budget -= tokens.EstimateTurn(t.Content)
		}
		tail = m.newestWithinLocked(budget)
	}

	out := make([]llm.Message, 0, 1+len(memTurns)+len(tail))
	out = append(out, m.history[0])
	out = append(out, memTurns...)
	return append(out, tail...)
}

// SaveAndReset hands the history to the logger when it holds more than the
// system prompt, then resets the history to just the system turn and stops
// the inactivity timer.
func (m *Manager) SaveAndReset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) > 1 && m.logger != nil {
		turns := make([]chatlog.Turn, len(m.history))
		for i, t := range m.history {
			turns[i] = chatlog.Turn{Role: t.Role, Content: t.Content}
		}
		m.logger.Log(chatlog.Record{Reason: reason, Turns: turns})
	}

	m.history = m.history[:1]
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	slog.Debug("conversation reset", "reason", reason)
}

// Close stops the inactivity timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// trimLocked keeps the system turn plus the newest MaxHistoryMessages turns.
// Must be called with m.mu held.
func (m *Manager) trimLocked() {
	max := m.cfg.MaxHistoryMessages
	if max <= 0 || len(m.history) <= max+1 {
		return
	}
	kept := m.history[len(m.history)-max:]
	trimmed := make([]llm.Message, 0, max+1)
	trimmed = append(trimmed, m.history[0])
	m.history = append(trimmed, kept...)
}

// armTimerLocked (re)starts the inactivity timer. Must be called with m.mu held.
func (m *Manager) armTimerLocked() {
	if m.cfg.InactivityTimeout <= 0 {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.InactivityTimeout, func() {
		m.SaveAndReset("inactivity")
	})
}

// newestWithinLocked walks the non-system turns newest to oldest and returns
// the suffix whose estimated token cost fits in budget, in original order.
// Must be called with m.mu held.
func (m *Manager) newestWithinLocked(budget int) []llm.Message {
	tail := m.history[1:]
	used := 0
	start := len(tail)
	for i := len(tail) - 1; i >= 0; i-- {
		cost := tokens.EstimateTurn(tail[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return append([]llm.Message(nil), tail[start:]...)
}

// recentTextsLocked returns the contents of the newest non-system turns used
// for memory keyword matching. Must be called with m.mu held.
func (m *Manager) recentTextsLocked() []string {
	tail := m.history[1:]
	if len(tail) > recentTurnsForMemory {
		tail = tail[len(tail)-recentTurnsForMemory:]
	}
	out := make([]string, 0, len(tail))
	for _, t := range tail {
		out = append(out, t.Content)
	}
	return out
}
