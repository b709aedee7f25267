package npc_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/selkiehq/selkie/internal/conversation"
	"github.com/selkiehq/selkie/internal/npc"
	"github.com/selkiehq/selkie/pkg/provider/llm"
	"github.com/selkiehq/selkie/pkg/provider/llm/mock"
)

// newTestEngine wires a full engine over a mock provider with fast timings.
// The returned cancel stops the machine's tick loop.
func newTestEngine(t *testing.T, provider llm.Provider) (*npc.Engine, *npc.MessageBuffer, *conversation.Manager, context.CancelFunc) {
	t.Helper()

	b := npc.NewMessageBuffer(npc.BufferConfig{
		MaxPerSpeaker:     10,
		MaxTotal:          50,
		AggregationWindow: 5 * time.Second,
		Expiry:            60 * time.Second,
	})
	d := npc.NewDecider(npc.DeciderConfig{
		ResponseThreshold: 50,
		ResponseChance:    1.0,
		Cooldown:          30 * time.Second,
		Score: npc.ScoreConfig{
			DirectMentionBonus:     100,
			RecentInteractionBonus: 30,
			MessageCountMultiplier: 5,
			ConsecutiveBonus:       10,
			TimeDecayRate:          2,
			MaxTimeDecay:           20,
		},
	}, npc.WithRandSource(zeroRand))
	m := npc.NewMachine(npc.MachineConfig{
		TickInterval:     10 * time.Millisecond,
		ListeningTimeout: time.Second,
		ThinkingTimeout:  5 * time.Second,
		SpeakingCooldown: 50 * time.Millisecond,
	}, b, d)
	conv := conversation.NewManager("You are Selkie, a cheerful cat-maid NPC.",
		conversation.Config{MaxHistoryMessages: 50})

	e := npc.NewEngine(npc.EngineConfig{
		Enabled:     true,
		WaitTimeout: 2 * time.Second,
	}, b, m, npc.NewMentionDetector([]string{"maid"}, false), conv, provider)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	return e, b, conv, cancel
}

func TestEngineRepliesToMention(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "nya~ "}, {Text: "hello Carol!", FinishReason: "stop"}},
	}
	e, b, conv, _ := newTestEngine(t, provider)

	res, err := e.HandleMessage(context.Background(), "Carol", "carol", "hey maid!")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res.Verdict != npc.VerdictReply {
		t.Fatalf("Verdict = %v, want reply (reason %q)", res.Verdict, res.Reason)
	}
	if res.Reply != "nya~ hello Carol!" {
		t.Errorf("Reply = %q, want accumulated stream", res.Reply)
	}

	h := conv.History()
	if len(h) != 3 {
		t.Fatalf("history has %d turns, want 3", len(h))
	}
	if h[1].Content != "[Carol] hey maid!" {
		t.Errorf("user turn = %q, want display-name prefix", h[1].Content)
	}
	if h[2].Role != llm.RoleAssistant {
		t.Errorf("last turn role = %q, want assistant", h[2].Role)
	}

	if got := b.Count("carol"); got != 0 {
		t.Errorf("Carol's buffer has %d messages after reply, want 0", got)
	}
	snap := b.Snapshot()
	if len(snap) != 1 || snap[0].LastRespondedAt.IsZero() {
		t.Error("LastRespondedAt not set after reply")
	}
}

func TestEnginePromptIncludesAddressHint(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hi!", FinishReason: "stop"}},
	}
	e, _, _, _ := newTestEngine(t, provider)

	if _, err := e.HandleMessage(context.Background(), "Carol", "carol", "hey maid!"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if len(provider.StreamCalls) != 1 {
		t.Fatalf("provider saw %d stream calls, want 1", len(provider.StreamCalls))
	}
	msgs := provider.StreamCalls[0].Req.Messages
	if len(msgs) < 3 {
		t.Fatalf("prompt has %d turns, want at least 3", len(msgs))
	}
	if msgs[1].Role != llm.RoleSystem || !strings.Contains(msgs[1].Content, "You are responding to Carol") {
		t.Errorf("second turn = %+v, want one-shot address hint", msgs[1])
	}
}

func TestEngineStreamFallbackToComplete(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		StreamErr:        context.DeadlineExceeded,
		CompleteResponse: &llm.CompletionResponse{Content: "fallback reply"},
	}
	e, _, _, _ := newTestEngine(t, provider)

	res, err := e.HandleMessage(context.Background(), "Carol", "carol", "hey maid!")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res.Reply != "fallback reply" {
		t.Errorf("Reply = %q, want non-streaming fallback", res.Reply)
	}
}

func TestEngineLLMFailureRollsBack(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		StreamErr:   context.DeadlineExceeded,
		CompleteErr: context.DeadlineExceeded,
	}
	e, b, conv, _ := newTestEngine(t, provider)

	before := conv.Len()
	_, err := e.HandleMessage(context.Background(), "Carol", "carol", "hey maid!")
	if err == nil {
		t.Fatal("HandleMessage() error = nil, want LLM failure")
	}

	if got := conv.Len(); got != before {
		t.Errorf("history length = %d, want rollback to %d", got, before)
	}
	if got := b.Count("carol"); got != 0 {
		t.Errorf("Carol's buffer has %d messages after failure, want 0", got)
	}
	if got := e.Machine().ActiveTarget(); got != "" {
		t.Errorf("ActiveTarget() = %q, want empty", got)
	}
	if got := e.Machine().State(); got != npc.StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
}

func TestEngineResetCommand(t *testing.T) {
	t.Parallel()

	for _, cmd := range []string{"reset", "清除"} {
		provider := &mock.Provider{
			StreamChunks: []llm.Chunk{{Text: "hi!", FinishReason: "stop"}},
		}
		e, b, conv, _ := newTestEngine(t, provider)

		if _, err := e.HandleMessage(context.Background(), "Carol", "carol", "hey maid!"); err != nil {
			t.Fatalf("setup reply error = %v", err)
		}

		res, err := e.HandleMessage(context.Background(), "Carol", "carol", cmd)
		if err != nil {
			t.Fatalf("HandleMessage(%q) error = %v", cmd, err)
		}
		if res.Verdict != npc.VerdictReset {
			t.Errorf("Verdict for %q = %v, want reset", cmd, res.Verdict)
		}
		if got := conv.Len(); got != 1 {
			t.Errorf("history length after %q = %d, want 1", cmd, got)
		}
		if got := b.TotalCount(); got != 0 {
			t.Errorf("TotalCount() after %q = %d, want 0", cmd, got)
		}
	}
}

func TestEngineDisabledDeclines(t *testing.T) {
	t.Parallel()

	b := npc.NewMessageBuffer(npc.BufferConfig{MaxPerSpeaker: 10, MaxTotal: 50})
	d := npc.NewDecider(npc.DeciderConfig{ResponseThreshold: 50, ResponseChance: 1},
		npc.WithRandSource(zeroRand))
	m := npc.NewMachine(testMachineConfig(), b, d)
	conv := conversation.NewManager("sys", conversation.Config{MaxHistoryMessages: 50})

	e := npc.NewEngine(npc.EngineConfig{Enabled: false, WaitTimeout: time.Second},
		b, m, npc.NewMentionDetector([]string{"maid"}, false), conv, &mock.Provider{})

	res, err := e.HandleMessage(context.Background(), "Carol", "carol", "hey maid!")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res.Verdict != npc.VerdictDeclined || res.Reason != "disabled" {
		t.Errorf("result = %+v, want declined/disabled", res)
	}
	if got := b.TotalCount(); got != 0 {
		t.Errorf("disabled engine buffered %d messages, want 0", got)
	}
}

func TestEngineDeclinesOnWaitTimeout(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	b := npc.NewMessageBuffer(npc.BufferConfig{
		MaxPerSpeaker: 10, MaxTotal: 50,
		AggregationWindow: 5 * time.Second, Expiry: time.Minute,
	})
	d := npc.NewDecider(npc.DeciderConfig{
		ResponseThreshold: 50,
		ResponseChance:    1.0,
		Score:             npc.ScoreConfig{MessageCountMultiplier: 5, ConsecutiveBonus: 10},
	}, npc.WithRandSource(zeroRand))
	m := npc.NewMachine(npc.MachineConfig{
		TickInterval:     10 * time.Millisecond,
		ListeningTimeout: time.Second,
		ThinkingTimeout:  time.Second,
		SpeakingCooldown: 50 * time.Millisecond,
	}, b, d)
	conv := conversation.NewManager("sys", conversation.Config{MaxHistoryMessages: 50})

	e := npc.NewEngine(npc.EngineConfig{Enabled: true, WaitTimeout: 100 * time.Millisecond},
		b, m, npc.NewMentionDetector([]string{"maid"}, false), conv, provider)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	// Low-score chatter never produces a verdict.
	res, err := e.HandleMessage(context.Background(), "Alice", "alice", "just chatting")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if res.Verdict != npc.VerdictDeclined || res.Reason != "timeout" {
		t.Errorf("result = %+v, want declined/timeout", res)
	}
	if provider.Calls() != 0 {
		t.Errorf("provider called %d times on decline, want 0", provider.Calls())
	}
}
