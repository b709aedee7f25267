package npc

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Decision reason tags for declined verdicts.
const (
	ReasonEmpty          = "empty"
	ReasonBelowThreshold = "below_threshold"
	ReasonChanceRejected = "chance_rejected"
	ReasonCooldown       = "cooldown"
)

// consecutiveAccountingCap bounds how many trailing utterances count toward
// the consecutive-run bonus before the bonus cap applies.
const consecutiveAccountingCap = 5

// Decision is the outcome of one scoring pass.
type Decision struct {
	// Respond is true when the engine should reply.
	Respond bool

	// TargetID is the chosen speaker's identity, empty on a decline.
	TargetID string

	// Reason is a human-readable tag describing the verdict.
	Reason string

	// Score is the numeric score of the best candidate.
	Score float64
}

// ScoreConfig holds the priority-scoring weights.
type ScoreConfig struct {
	// DirectMentionBonus is added when any buffered utterance mentions the
	// persona.
	DirectMentionBonus float64

	// RecentInteractionBonus is added when the persona last replied to the
	// speaker between 30 seconds and one hour ago. A reply within the last 30
	// seconds earns the fixed active-conversation bonus of 60 instead.
	RecentInteractionBonus float64

	// MessageCountMultiplier scales the number of buffered utterances.
	MessageCountMultiplier float64

	// ConsecutiveBonus is added per trailing utterance in a run, up to three.
	ConsecutiveBonus float64

	// TimeDecayRate is subtracted per minute since the speaker was first seen.
	TimeDecayRate float64

	// MaxTimeDecay caps the total age decay.
	MaxTimeDecay float64

	// RandomnessRange is the width of the uniform random score jitter.
	RandomnessRange float64
}

// activeConversationBonus applies when the persona replied to the speaker
// within the last 30 seconds.
const (
	activeConversationBonus  = 60.0
	activeConversationWindow = 30 * time.Second
	recentInteractionWindow  = time.Hour
)

// DeciderConfig holds the tunables of a [Decider].
type DeciderConfig struct {
	// ResponseThreshold is the minimum best score for a respond verdict.
	ResponseThreshold float64

	// ResponseChance is the probability gate applied after the threshold.
	ResponseChance float64

	// Cooldown is the minimum interval between replies to the same speaker,
	// bypassed when the speaker has more than one buffered utterance.
	Cooldown time.Duration

	// Score holds the scoring weights.
	Score ScoreConfig
}

// Decider scores speaker buffers and chooses at most one response target per
// pass. It is safe for concurrent use.
type Decider struct {
	cfg       DeciderConfig
	randFloat func() float64

	mu           sync.Mutex
	lastResponse map[string]time.Time // decision-time cooldown bookkeeping
}

// DeciderOption configures a Decider.
type DeciderOption func(*Decider)

// WithRandSource overrides the uniform [0,1) randomness source.
func WithRandSource(randFloat func() float64) DeciderOption {
	return func(d *Decider) { d.randFloat = randFloat }
}

// NewDecider creates a Decider.
func NewDecider(cfg DeciderConfig, opts ...DeciderOption) *Decider {
	d := &Decider{
		cfg:          cfg,
		randFloat:    rand.Float64,
		lastResponse: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decide evaluates every speaker buffer in the snapshot and returns a verdict.
// On a respond verdict the chosen speaker's cooldown clock is reset to now.
func (d *Decider) Decide(snapshot []SpeakerSnapshot, now time.Time) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		best      SpeakerSnapshot
		bestScore float64
		found     bool
	)
	for _, sb := range snapshot {
		if len(sb.Messages) == 0 {
			continue
		}
		score := d.score(sb, now)
		// Strict greater keeps the earliest-inserted speaker on ties.
		if !found || score > bestScore {
			best = sb
			bestScore = score
			found = true
		}
	}

	if !found {
		return Decision{Reason: ReasonEmpty}
	}

	if bestScore < d.cfg.ResponseThreshold {
		return Decision{Reason: ReasonBelowThreshold, Score: bestScore}
	}

	if d.randFloat() >= d.cfg.ResponseChance {
		return Decision{Reason: ReasonChanceRejected, Score: bestScore}
	}

	if len(best.Messages) <= 1 {
		if last, ok := d.lastResponse[best.SpeakerID]; ok && now.Sub(last) < d.cfg.Cooldown {
			return Decision{Reason: ReasonCooldown, Score: bestScore}
		}
	}

	d.lastResponse[best.SpeakerID] = now
	slog.Debug("respond verdict",
		"speaker", best.SpeakerID,
		"score", bestScore,
		"messages", len(best.Messages))

	return Decision{
		Respond:  true,
		TargetID: best.SpeakerID,
		Reason:   "scored",
		Score:    bestScore,
	}
}

// score computes the priority score of one speaker buffer. Must be called
// with d.mu held (for the randomness source only).
func (d *Decider) score(sb SpeakerSnapshot, now time.Time) float64 {
	s := 0.0
	cfg := d.cfg.Score

	for _, u := range sb.Messages {
		if u.DirectMention {
			s += cfg.DirectMentionBonus
			break
		}
	}

	if !sb.LastRespondedAt.IsZero() {
		since := now.Sub(sb.LastRespondedAt)
		switch {
		case since <= activeConversationWindow:
			s += activeConversationBonus
		case since <= recentInteractionWindow:
			s += cfg.RecentInteractionBonus
		}
	}

	s += float64(len(sb.Messages)) * cfg.MessageCountMultiplier

	consecutive := min(len(sb.Messages), consecutiveAccountingCap)
	s += float64(min(consecutive, 3)) * cfg.ConsecutiveBonus

	ageMinutes := now.Sub(sb.FirstSeen).Minutes()
	decay := ageMinutes * cfg.TimeDecayRate
	if decay > cfg.MaxTimeDecay {
		decay = cfg.MaxTimeDecay
	}
	s -= decay

	s += d.randFloat() * cfg.RandomnessRange

	if s < 0 {
		s = 0
	}
	return s
}

// ClearHistory forgets all cooldown bookkeeping.
func (d *Decider) ClearHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastResponse = make(map[string]time.Time)
}

// LastResponseAt returns the decision-time cooldown clock of a speaker.
func (d *Decider) LastResponseAt(speakerID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.lastResponse[speakerID]
	return t, ok
}
