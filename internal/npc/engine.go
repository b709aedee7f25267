package npc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/selkiehq/selkie/internal/conversation"
	"github.com/selkiehq/selkie/pkg/provider/llm"
)

// In-band commands that reset the conversation instead of starting a turn.
var resetCommands = map[string]bool{
	"reset": true,
	"清除":    true,
}

// Verdict classifies the outcome of one handled message.
type Verdict int

const (
	// VerdictDeclined means the engine chose not to reply.
	VerdictDeclined Verdict = iota

	// VerdictReply means the engine produced a reply.
	VerdictReply

	// VerdictReset means the message was an in-band reset command.
	VerdictReset
)

// Result is the outcome of [Engine.HandleMessage].
type Result struct {
	Verdict Verdict

	// Reply is the assistant's text, set only for VerdictReply.
	Reply string

	// Reason describes a decline ("timeout", "disabled", …).
	Reason string
}

// EngineConfig holds the engine-level tunables.
type EngineConfig struct {
	// Enabled gates the whole engine; when false every message is declined.
	Enabled bool

	// WaitTimeout bounds how long an ingesting caller parks for a verdict.
	WaitTimeout time.Duration

	// MemoryEnabled turns long-term memory injection on.
	MemoryEnabled bool

	// MemoryTokenBudget bounds the injected memories' token cost.
	MemoryTokenBudget int

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int
}

// Engine is the dispatch adapter gluing the buffer, machine, conversation
// manager, and LLM provider together for the transport layer.
type Engine struct {
	cfg      EngineConfig
	buffer   *MessageBuffer
	machine  *Machine
	detector *MentionDetector
	conv     *conversation.Manager
	provider llm.Provider
	now      func() time.Time

	// onReply, when set, observes every emitted reply with its LLM latency.
	onReply func(latency time.Duration)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithReplyHook observes emitted replies, for metrics.
func WithReplyHook(fn func(latency time.Duration)) EngineOption {
	return func(e *Engine) { e.onReply = fn }
}

// NewEngine wires an Engine from its parts.
func NewEngine(
	cfg EngineConfig,
	buffer *MessageBuffer,
	machine *Machine,
	detector *MentionDetector,
	conv *conversation.Manager,
	provider llm.Provider,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		buffer:   buffer,
		machine:  machine,
		detector: detector,
		conv:     conv,
		provider: provider,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleMessage ingests one utterance and runs the full engagement cycle:
// buffer, park for a verdict, aggregate, prompt, LLM, reply, cleanup.
// A declined message returns VerdictDeclined and a nil error; only LLM
// transport failures produce a non-nil error.
func (e *Engine) HandleMessage(ctx context.Context, speaker, speakerID, text string) (Result, error) {
	if resetCommands[strings.TrimSpace(text)] {
		e.Reset("reset")
		return Result{Verdict: VerdictReset}, nil
	}

	if !e.cfg.Enabled {
		return Result{Verdict: VerdictDeclined, Reason: "disabled"}, nil
	}

	mention := e.detector.Detect(text)
	e.buffer.Ingest(speakerID, speaker, text, mention)
	slog.Debug("utterance ingested",
		"speaker", speaker,
		"speaker_id", speakerID,
		"mention", mention)

	decision, ok := e.machine.WaitForDecision(speakerID, e.cfg.WaitTimeout)
	if !ok {
		return Result{Verdict: VerdictDeclined, Reason: "timeout"}, nil
	}

	content := e.buffer.AggregatedContent(speakerID)
	if content == "" {
		content = text
	}
	e.conv.AppendUser(fmt.Sprintf("[%s] %s", speaker, content))

	messages := e.assemblePrompt(speaker)

	start := e.now()
	reply, err := e.complete(ctx, messages)
	if err != nil {
		e.conv.RemoveLast()
		e.machine.OnLLMError()
		return Result{}, fmt.Errorf("npc: llm turn for %s: %w", speaker, err)
	}

	e.conv.AppendAssistant(reply)
	e.machine.OnLLMResponseReady()
	e.buffer.MarkResponded(speakerID, e.now())
	e.buffer.ClearSpeaker(speakerID)

	if e.onReply != nil {
		e.onReply(e.now().Sub(start))
	}
	slog.Info("reply emitted",
		"speaker", speaker,
		"score", decision.Score,
		"latency", e.now().Sub(start))

	return Result{Verdict: VerdictReply, Reply: reply}, nil
}

// Reset clears the conversation, all buffers, and the state machine.
func (e *Engine) Reset(reason string) {
	e.conv.SaveAndReset(reason)
	e.machine.Reset()
	slog.Info("engine reset", "reason", reason)
}

// Machine exposes the state machine for diagnostics endpoints.
func (e *Engine) Machine() *Machine {
	return e.machine
}

// assemblePrompt builds the LLM message sequence: persona system turn, a
// one-shot address hint, optional memories, then the budgeted history.
// The hint is never stored in the conversation history.
func (e *Engine) assemblePrompt(speaker string) []llm.Message {
	var history []llm.Message
	if e.cfg.MemoryEnabled {
		history = e.conv.HistoryWithMemories(e.cfg.MemoryTokenBudget)
	} else {
		history = e.conv.HistoryWithBudget()
	}

	hint := llm.Message{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("You are responding to %s. Address them directly by name.", speaker),
	}

	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, history[0], hint)
	return append(out, history[1:]...)
}

// complete runs the LLM call, preferring streaming and falling back to a
// non-streaming completion when the stream fails.
func (e *Engine) complete(ctx context.Context, messages []llm.Message) (string, error) {
	req := llm.CompletionRequest{
		Messages:    messages,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}

	reply, err := e.streamOnce(ctx, req)
	if err == nil {
		return reply, nil
	}
	slog.Warn("stream failed, falling back to non-streaming completion", "err", err)

	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Content == "" {
		return "", fmt.Errorf("npc: empty completion response")
	}
	return resp.Content, nil
}

// streamOnce runs one streaming completion and accumulates the chunks.
func (e *Engine) streamOnce(ctx context.Context, req llm.CompletionRequest) (string, error) {
	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			return "", fmt.Errorf("npc: stream error: %s", chunk.Text)
		}
		sb.WriteString(chunk.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("npc: empty stream")
	}
	return sb.String(), nil
}
