package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// speakerLimiter applies a per-speaker token bucket before ingest. Refusals
// never touch engine state.
type speakerLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newSpeakerLimiter creates a limiter allowing rps sustained requests with
// the given burst per speaker. rps <= 0 disables limiting.
func newSpeakerLimiter(rps float64, burst int) *speakerLimiter {
	return &speakerLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the speaker may proceed.
func (l *speakerLimiter) Allow(speakerID string) bool {
	if l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[speakerID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[speakerID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
