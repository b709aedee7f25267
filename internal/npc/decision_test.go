package npc_test

import (
	"testing"
	"time"

	"github.com/selkiehq/selkie/internal/npc"
)

func testDeciderConfig() npc.DeciderConfig {
	return npc.DeciderConfig{
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
			RandomnessRange:        10,
		},
	}
}

func zeroRand() float64 { return 0 }

func TestDirectMentionBeatsChatter(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	b.Ingest("alice", "Alice", "hi", false)
	b.Ingest("bob", "Bob", "hey there", false)
	b.Ingest("alice", "Alice", "how are you", false)
	b.Ingest("carol", "Carol", "hey maid!", true)

	got := d.Decide(b.Snapshot(), clock.Now())
	if !got.Respond {
		t.Fatalf("Decide() = %+v, want respond", got)
	}
	if got.TargetID != "carol" {
		t.Errorf("TargetID = %q, want carol", got.TargetID)
	}
	if got.Score < 100 {
		t.Errorf("Score = %v, want >= 100 from mention bonus", got.Score)
	}
}

func TestCooldownBlocksSingleFollowUp(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	// Carol was just replied to: both bookkeepings are fresh.
	b.Ingest("carol", "Carol", "hey maid!", true)
	if got := d.Decide(b.Snapshot(), clock.Now()); !got.Respond {
		t.Fatalf("setup decision = %+v, want respond", got)
	}
	b.MarkResponded("carol", clock.Now())
	b.ClearSpeaker("carol")

	// A lone follow-up 10s later scores above threshold via the active-
	// conversation bonus but is blocked by the cooldown gate.
	clock.Advance(10 * time.Second)
	b.Ingest("carol", "Carol", "are you there", false)

	got := d.Decide(b.Snapshot(), clock.Now())
	if got.Respond {
		t.Fatalf("Decide() = %+v, want decline", got)
	}
	if got.Reason != npc.ReasonCooldown {
		t.Errorf("Reason = %q, want %q", got.Reason, npc.ReasonCooldown)
	}
}

func TestCooldownBypassedByActiveConversation(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	b.Ingest("carol", "Carol", "hey maid!", true)
	if got := d.Decide(b.Snapshot(), clock.Now()); !got.Respond {
		t.Fatalf("setup decision = %+v, want respond", got)
	}
	b.MarkResponded("carol", clock.Now())
	b.ClearSpeaker("carol")

	// Two queued utterances before the next pass: the exemption applies.
	clock.Advance(10 * time.Second)
	b.Ingest("carol", "Carol", "are you there", false)
	b.Ingest("carol", "Carol", "helloooo", false)

	got := d.Decide(b.Snapshot(), clock.Now())
	if !got.Respond {
		t.Fatalf("Decide() = %+v, want respond via cooldown exemption", got)
	}
	if got.TargetID != "carol" {
		t.Errorf("TargetID = %q, want carol", got.TargetID)
	}
}

func TestDecideBelowThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	b.Ingest("alice", "Alice", "just chatting", false)

	got := d.Decide(b.Snapshot(), clock.Now())
	if got.Respond {
		t.Fatalf("Decide() = %+v, want decline", got)
	}
	if got.Reason != npc.ReasonBelowThreshold {
		t.Errorf("Reason = %q, want %q", got.Reason, npc.ReasonBelowThreshold)
	}
	// 1 msg x5 + 1 consecutive x10 = 15.
	if got.Score != 15 {
		t.Errorf("Score = %v, want 15", got.Score)
	}
}

func TestDecideChanceRejected(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))

	cfg := testDeciderConfig()
	cfg.ResponseChance = 0 // every draw fails the gate
	d := npc.NewDecider(cfg, npc.WithRandSource(zeroRand))

	b.Ingest("carol", "Carol", "hey maid!", true)

	got := d.Decide(b.Snapshot(), clock.Now())
	if got.Respond {
		t.Fatalf("Decide() = %+v, want decline", got)
	}
	if got.Reason != npc.ReasonChanceRejected {
		t.Errorf("Reason = %q, want %q", got.Reason, npc.ReasonChanceRejected)
	}
}

func TestDecideEmpty(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	got := d.Decide(nil, clock.Now())
	if got.Respond || got.Reason != npc.ReasonEmpty {
		t.Errorf("Decide(nil) = %+v, want empty decline", got)
	}
}

func TestDecideTieBreaksByInsertionOrder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	// Identical scores; Bob entered the buffer set first.
	b.Ingest("bob", "Bob", "hey maid", true)
	b.Ingest("alice", "Alice", "hey maid", true)

	got := d.Decide(b.Snapshot(), clock.Now())
	if !got.Respond || got.TargetID != "bob" {
		t.Errorf("Decide() = %+v, want respond to bob (earliest inserted)", got)
	}
}

func TestDecideTimeDecayCapped(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	b.Ingest("carol", "Carol", "hey maid!", true)
	// 30 minutes of decay would be 60 points uncapped; the cap holds it at 20.
	clock.Advance(30 * time.Minute)
	snap := b.Snapshot()

	got := d.Decide(snap, clock.Now())
	// 100 + 5 + 10 - 20 = 95.
	if got.Score != 95 {
		t.Errorf("Score = %v, want 95 (decay capped at 20)", got.Score)
	}
}

func TestDecideDeterministicUnderFixedRandomness(t *testing.T) {
	t.Parallel()

	run := func() []npc.Decision {
		clock := newFakeClock()
		b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
		d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

		var verdicts []npc.Decision
		b.Ingest("alice", "Alice", "hello", false)
		verdicts = append(verdicts, d.Decide(b.Snapshot(), clock.Now()))

		clock.Advance(time.Second)
		b.Ingest("carol", "Carol", "hey maid", true)
		verdicts = append(verdicts, d.Decide(b.Snapshot(), clock.Now()))

		clock.Advance(time.Second)
		b.Ingest("alice", "Alice", "maid, you there?", true)
		verdicts = append(verdicts, d.Decide(b.Snapshot(), clock.Now()))
		return verdicts
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("verdict counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("verdict %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestClearHistoryForgetsCooldown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := npc.NewMessageBuffer(testBufferConfig(), npc.WithBufferClock(clock.Now))
	d := npc.NewDecider(testDeciderConfig(), npc.WithRandSource(zeroRand))

	b.Ingest("carol", "Carol", "hey maid!", true)
	if got := d.Decide(b.Snapshot(), clock.Now()); !got.Respond {
		t.Fatalf("setup decision = %+v, want respond", got)
	}
	if _, ok := d.LastResponseAt("carol"); !ok {
		t.Fatal("cooldown clock not recorded on respond verdict")
	}

	d.ClearHistory()
	if _, ok := d.LastResponseAt("carol"); ok {
		t.Error("cooldown clock survived ClearHistory")
	}
}
