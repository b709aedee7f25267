// Package npc implements the engagement engine that decides whether, and to
// whom, the persona replies in a multi-speaker room.
//
// The engine is built from four cooperating parts. [MessageBuffer] keeps
// per-speaker queues of recent utterances. [Decider] scores those queues and
// picks at most one target. [Machine] drives the IDLE, LISTENING, THINKING,
// SPEAKING lifecycle on a fixed tick and matches waiting callers with
// decisions. [Engine] glues them together for the transport layer.
package npc

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Utterance is one immutable message from one speaker at one moment.
type Utterance struct {
	// ID is a generated unique identifier.
	ID string

	// SpeakerID is the speaker's stable opaque identity.
	SpeakerID string

	// SpeakerName is the speaker's display name at ingest time.
	SpeakerName string

	// Text is the raw message text.
	Text string

	// Timestamp is the time of receipt.
	Timestamp time.Time

	// DirectMention is true when the text contained a trigger word.
	DirectMention bool
}

// speakerBuffer holds one speaker's queued utterances plus metadata that
// outlives the queue.
type speakerBuffer struct {
	messages        []Utterance
	firstSeen       time.Time
	lastSeen        time.Time
	totalIngested   int
	lastRespondedAt time.Time // zero until the persona has replied to this speaker
}

// SpeakerSnapshot is a read-only view of one speaker buffer.
type SpeakerSnapshot struct {
	SpeakerID       string
	Messages        []Utterance
	FirstSeen       time.Time
	LastSeen        time.Time
	TotalIngested   int
	LastRespondedAt time.Time
}

// BufferConfig holds the tunables of a [MessageBuffer].
type BufferConfig struct {
	// MaxPerSpeaker caps each speaker's queue; the oldest utterance is
	// dropped on overflow.
	MaxPerSpeaker int

	// MaxTotal is the global utterance cap across all speakers; the globally
	// oldest utterance is evicted on overflow.
	MaxTotal int

	// AggregationWindow bounds how far back AggregatedContent combines a
	// speaker's utterances into one logical message.
	AggregationWindow time.Duration

	// Expiry is the age past which utterances are swept.
	Expiry time.Duration
}

// MessageBuffer keeps per-speaker queues of recent utterances.
// It is safe for concurrent use.
type MessageBuffer struct {
	cfg BufferConfig
	now func() time.Time

	mu      sync.Mutex
	buffers map[string]*speakerBuffer
	order   []string // speaker insertion order, drives decision tie-breaking
}

// BufferOption configures a MessageBuffer.
type BufferOption func(*MessageBuffer)

// WithBufferClock overrides the buffer's time source.
func WithBufferClock(now func() time.Time) BufferOption {
	return func(b *MessageBuffer) { b.now = now }
}

// NewMessageBuffer creates an empty MessageBuffer.
func NewMessageBuffer(cfg BufferConfig, opts ...BufferOption) *MessageBuffer {
	b := &MessageBuffer{
		cfg:     cfg,
		now:     time.Now,
		buffers: make(map[string]*speakerBuffer),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ingest appends a new utterance to the speaker's buffer, creating the buffer
// on first contact, then enforces the per-speaker cap, sweeps expired
// utterances, and enforces the global cap.
func (b *MessageBuffer) Ingest(speakerID, speakerName, text string, directMention bool) Utterance {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.buffers[speakerID]
	if !ok {
		sb = &speakerBuffer{firstSeen: now}
		b.buffers[speakerID] = sb
		b.order = append(b.order, speakerID)
	}
	if sb.firstSeen.IsZero() {
		sb.firstSeen = now
	}

	u := Utterance{
		ID:            uuid.NewString(),
		SpeakerID:     speakerID,
		SpeakerName:   speakerName,
		Text:          text,
		Timestamp:     now,
		DirectMention: directMention,
	}
	sb.messages = append(sb.messages, u)
	sb.lastSeen = now
	sb.totalIngested++

	if b.cfg.MaxPerSpeaker > 0 && len(sb.messages) > b.cfg.MaxPerSpeaker {
		sb.messages = sb.messages[1:]
	}

	b.sweepExpiredLocked(now)
	b.enforceGlobalCapLocked()

	return u
}

// AggregatedContent joins the speaker's utterances inside the aggregation
// window with single spaces, in insertion order. When none are inside the
// window but the buffer is non-empty, the newest utterance is returned so a
// lone older message is never silently dropped.
func (b *MessageBuffer) AggregatedContent(speakerID string) string {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.buffers[speakerID]
	if !ok || len(sb.messages) == 0 {
		return ""
	}

	var parts []string
	for _, u := range sb.messages {
		if now.Sub(u.Timestamp) <= b.cfg.AggregationWindow {
			parts = append(parts, u.Text)
		}
	}
	if len(parts) == 0 {
		return sb.messages[len(sb.messages)-1].Text
	}
	return strings.Join(parts, " ")
}

// ClearSpeaker drops all utterances for a speaker but keeps the metadata
// record so last-responded-at survives.
func (b *MessageBuffer) ClearSpeaker(speakerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sb, ok := b.buffers[speakerID]; ok {
		sb.messages = nil
	}
}

// ClearAll drops every buffer including metadata.
func (b *MessageBuffer) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = make(map[string]*speakerBuffer)
	b.order = nil
}

// MarkResponded records the time of the most recent reply addressed to the
// speaker. Required after every emitted LLM reply.
func (b *MessageBuffer) MarkResponded(speakerID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.buffers[speakerID]
	if !ok {
		sb = &speakerBuffer{firstSeen: now}
		b.buffers[speakerID] = sb
		b.order = append(b.order, speakerID)
	}
	sb.lastRespondedAt = now
}

// SweepExpired removes utterances older than the expiry and drops speaker
// entries that hold neither messages nor a prior response.
func (b *MessageBuffer) SweepExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepExpiredLocked(now)
}

// sweepExpiredLocked implements SweepExpired. Must be called with b.mu held.
func (b *MessageBuffer) sweepExpiredLocked(now time.Time) {
	if b.cfg.Expiry <= 0 {
		return
	}
	for id, sb := range b.buffers {
		kept := sb.messages[:0]
		for _, u := range sb.messages {
			if now.Sub(u.Timestamp) <= b.cfg.Expiry {
				kept = append(kept, u)
			}
		}
		sb.messages = kept

		if len(sb.messages) == 0 && sb.lastRespondedAt.IsZero() {
			delete(b.buffers, id)
			b.removeFromOrderLocked(id)
		}
	}
}

// enforceGlobalCapLocked evicts the globally oldest utterance until the total
// count is within MaxTotal. Must be called with b.mu held.
func (b *MessageBuffer) enforceGlobalCapLocked() {
	if b.cfg.MaxTotal <= 0 {
		return
	}
	for b.totalCountLocked() > b.cfg.MaxTotal {
		var (
			oldestID string
			oldestAt time.Time
		)
		for id, sb := range b.buffers {
			if len(sb.messages) == 0 {
				continue
			}
			if oldestID == "" || sb.messages[0].Timestamp.Before(oldestAt) {
				oldestID = id
				oldestAt = sb.messages[0].Timestamp
			}
		}
		if oldestID == "" {
			return
		}
		sb := b.buffers[oldestID]
		sb.messages = sb.messages[1:]
	}
}

// removeFromOrderLocked drops a speaker from the insertion-order index.
// Must be called with b.mu held.
func (b *MessageBuffer) removeFromOrderLocked(speakerID string) {
	for i, id := range b.order {
		if id == speakerID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Snapshot returns read-only copies of every speaker buffer in speaker
// insertion order.
func (b *MessageBuffer) Snapshot() []SpeakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]SpeakerSnapshot, 0, len(b.order))
	for _, id := range b.order {
		sb, ok := b.buffers[id]
		if !ok {
			continue
		}
		out = append(out, SpeakerSnapshot{
			SpeakerID:       id,
			Messages:        append([]Utterance(nil), sb.messages...),
			FirstSeen:       sb.firstSeen,
			LastSeen:        sb.lastSeen,
			TotalIngested:   sb.totalIngested,
			LastRespondedAt: sb.lastRespondedAt,
		})
	}
	return out
}

// TotalCount returns the number of buffered utterances across all speakers.
func (b *MessageBuffer) TotalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalCountLocked()
}

// totalCountLocked sums queue lengths. Must be called with b.mu held.
func (b *MessageBuffer) totalCountLocked() int {
	total := 0
	for _, sb := range b.buffers {
		total += len(sb.messages)
	}
	return total
}

// Count returns the number of buffered utterances for one speaker.
func (b *MessageBuffer) Count(speakerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sb, ok := b.buffers[speakerID]; ok {
		return len(sb.messages)
	}
	return 0
}
