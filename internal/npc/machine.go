package npc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is one of the machine's four lifecycle states.
type State string

const (
	StateIdle      State = "IDLE"
	StateListening State = "LISTENING"
	StateThinking  State = "THINKING"
	StateSpeaking  State = "SPEAKING"
)

// maxTransitionLog bounds the diagnostic transition log.
const maxTransitionLog = 100

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// StateInfo is a read-only snapshot of the machine's context.
type StateInfo struct {
	State        State        `json:"state"`
	Since        time.Time    `json:"since"`
	ActiveTarget string       `json:"activeTarget,omitempty"`
	LastReplyAt  time.Time    `json:"lastReplyAt,omitempty"`
	Transitions  []Transition `json:"transitions"`
}

// MachineConfig holds the timing tunables of a [Machine].
type MachineConfig struct {
	// TickInterval drives all time-based transitions.
	TickInterval time.Duration

	// ListeningTimeout returns the machine to IDLE when LISTENING produces no
	// respond verdict for this long.
	ListeningTimeout time.Duration

	// ThinkingTimeout recovers the machine when an LLM turn outlives it.
	ThinkingTimeout time.Duration

	// SpeakingCooldown is the pause after a reply before listening resumes.
	SpeakingCooldown time.Duration
}

// Machine drives the engagement lifecycle. A single ticker produces all
// time-based transitions; callers park on [Machine.WaitForDecision] until a
// tick selects their speaker. It is safe for concurrent use.
type Machine struct {
	cfg     MachineConfig
	buffer  *MessageBuffer
	decider *Decider
	now     func() time.Time

	// onTransition, when set, observes every state change.
	onTransition func(from, to State, reason string)

	// onDecision, when set, observes every non-empty verdict.
	onDecision func(d Decision)

	mu           sync.Mutex
	state        State
	stateEntered time.Time
	activeTarget string
	lastReplyAt  time.Time
	transitions  []Transition
	waiters      map[string][]chan Decision // FIFO per speaker
	pending      map[string]Decision        // single slot per speaker
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineClock overrides the machine's time source.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithTransitionHook observes state changes, for metrics.
func WithTransitionHook(fn func(from, to State, reason string)) MachineOption {
	return func(m *Machine) { m.onTransition = fn }
}

// WithDecisionHook observes verdicts, for metrics.
func WithDecisionHook(fn func(d Decision)) MachineOption {
	return func(m *Machine) { m.onDecision = fn }
}

// NewMachine creates a Machine in the IDLE state.
func NewMachine(cfg MachineConfig, buffer *MessageBuffer, decider *Decider, opts ...MachineOption) *Machine {
	m := &Machine{
		cfg:     cfg,
		buffer:  buffer,
		decider: decider,
		now:     time.Now,
		state:   StateIdle,
		waiters: make(map[string][]chan Decision),
		pending: make(map[string]Decision),
	}
	for _, o := range opts {
		o(m)
	}
	m.stateEntered = m.now()
	return m
}

// Run drives the tick loop until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("engagement machine started", "tick_interval", m.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("engagement machine stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}

// Tick performs one pass of time-based work. Exposed for deterministic tests;
// production code drives it via [Machine.Run].
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		if m.buffer.TotalCount() > 0 {
			m.transitionLocked(StateListening, "buffer non-empty", now)
		}

	case StateListening:
		m.listenTickLocked(now)

	case StateThinking:
		if now.Sub(m.stateEntered) > m.cfg.ThinkingTimeout {
			target := m.activeTarget
			m.buffer.ClearSpeaker(target)
			m.activeTarget = ""
			m.transitionLocked(StateIdle, "thinking timeout", now)
			slog.Warn("thinking timed out, recovering", "target", target)
		}

	case StateSpeaking:
		if now.Sub(m.stateEntered) > m.cfg.SpeakingCooldown {
			if m.buffer.TotalCount() > 0 {
				m.transitionLocked(StateListening, "cooldown elapsed", now)
			} else {
				m.transitionLocked(StateIdle, "cooldown elapsed, buffer empty", now)
			}
		}
	}
}

// listenTickLocked runs one LISTENING pass: decide, then either wake a
// waiter, park the verdict, or time out back to IDLE. Must be called with
// m.mu held.
func (m *Machine) listenTickLocked(now time.Time) {
	decision := m.decider.Decide(m.buffer.Snapshot(), now)
	if m.onDecision != nil && decision.Reason != ReasonEmpty {
		m.onDecision(decision)
	}

	if decision.Respond {
		target := decision.TargetID
		if ch := m.popWaiterLocked(target); ch != nil {
			m.activeTarget = target
			m.transitionLocked(StateThinking, "respond verdict", now)
			ch <- decision
			return
		}
		// No caller is parked for this speaker; hold the verdict for the next
		// ingest instead of entering THINKING with nobody to run the turn.
		m.pending[target] = decision
		slog.Debug("verdict parked, no waiter", "target", target)
		return
	}

	if now.Sub(m.stateEntered) > m.cfg.ListeningTimeout {
		m.buffer.SweepExpired(now)
		m.transitionLocked(StateIdle, "listening timeout", now)
	}
}

// WaitForDecision blocks until a respond verdict targets speakerID or the
// timeout elapses. A pending verdict parked by an earlier tick is consumed
// immediately. It reports whether a decision was obtained.
func (m *Machine) WaitForDecision(speakerID string, timeout time.Duration) (Decision, bool) {
	m.mu.Lock()

	// Recheck the pending slot under lock before sleeping; this closes the
	// lost-wakeup window between decision ticks and request arrivals.
	if d, ok := m.pending[speakerID]; ok && (m.state == StateListening || m.state == StateIdle) {
		delete(m.pending, speakerID)
		m.activeTarget = speakerID
		m.transitionLocked(StateThinking, "pending verdict consumed", m.now())
		m.mu.Unlock()
		return d, true
	}

	ch := make(chan Decision, 1)
	m.waiters[speakerID] = append(m.waiters[speakerID], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, true
	case <-timer.C:
		m.mu.Lock()
		m.removeWaiterLocked(speakerID, ch)
		m.mu.Unlock()

		// The verdict may have been sent between timer fire and
		// deregistration; honor it rather than dropping a woken turn.
		select {
		case d := <-ch:
			return d, true
		default:
			return Decision{}, false
		}
	}
}

// popWaiterLocked removes and returns the oldest waiter for a speaker, or nil.
// Must be called with m.mu held.
func (m *Machine) popWaiterLocked(speakerID string) chan Decision {
	chans := m.waiters[speakerID]
	if len(chans) == 0 {
		return nil
	}
	ch := chans[0]
	if len(chans) == 1 {
		delete(m.waiters, speakerID)
	} else {
		m.waiters[speakerID] = chans[1:]
	}
	return ch
}

// removeWaiterLocked deregisters a specific waiter channel. Must be called
// with m.mu held.
func (m *Machine) removeWaiterLocked(speakerID string, ch chan Decision) {
	chans := m.waiters[speakerID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(m.waiters, speakerID)
	} else {
		m.waiters[speakerID] = chans
	}
}

// OnLLMResponseReady moves THINKING to SPEAKING after a reply was produced.
// Outside THINKING it is a no-op with a warning.
func (m *Machine) OnLLMResponseReady() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateThinking {
		slog.Warn("response ready outside THINKING", "state", m.state)
		return
	}
	m.activeTarget = ""
	m.lastReplyAt = now
	m.transitionLocked(StateSpeaking, "llm reply ready", now)
}

// OnLLMError recovers from a failed LLM turn: the active target's buffer is
// cleared and the machine returns to IDLE. Outside THINKING it is a no-op
// with a warning.
func (m *Machine) OnLLMError() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateThinking {
		slog.Warn("llm error outside THINKING", "state", m.state)
		return
	}
	target := m.activeTarget
	m.buffer.ClearSpeaker(target)
	m.activeTarget = ""
	m.transitionLocked(StateIdle, "llm error", now)
	slog.Warn("llm turn failed, recovered to idle", "target", target)
}

// Reset clears all buffers, decision bookkeeping, pending verdicts, and the
// active target, and returns to IDLE from any state.
func (m *Machine) Reset() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer.ClearAll()
	m.decider.ClearHistory()
	m.pending = make(map[string]Decision)
	m.activeTarget = ""
	if m.state != StateIdle {
		m.transitionLocked(StateIdle, "reset", now)
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveTarget returns the speaker the machine is thinking about, or empty.
func (m *Machine) ActiveTarget() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTarget
}

// Info returns a snapshot of the machine's context for diagnostics.
func (m *Machine) Info() StateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StateInfo{
		State:        m.state,
		Since:        m.stateEntered,
		ActiveTarget: m.activeTarget,
		LastReplyAt:  m.lastReplyAt,
		Transitions:  append([]Transition(nil), m.transitions...),
	}
}

// transitionLocked records and applies a state change. Must be called with
// m.mu held.
func (m *Machine) transitionLocked(to State, reason string, now time.Time) {
	from := m.state
	m.state = to
	m.stateEntered = now

	m.transitions = append(m.transitions, Transition{
		From:   from,
		To:     to,
		At:     now,
		Reason: reason,
	})
	if len(m.transitions) > maxTransitionLog {
		m.transitions = m.transitions[len(m.transitions)-maxTransitionLog:]
	}

	slog.Debug("state transition", "from", from, "to", to, "reason", reason)
	if m.onTransition != nil {
		m.onTransition(from, to, reason)
	}
}
