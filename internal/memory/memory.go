// Package memory implements a keyword-indexed long-term memory store.
//
// Entries are small facts ("likes fish", "afraid of thunderstorms") tagged
// with lowercase keywords. [Store.Relevant] matches entries against recent
// conversation text and returns the best-scoring subset that fits a token
// budget, so callers can inject only the memories that matter right now.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selkiehq/selkie/pkg/tokens"
)

// Entry is a single long-term memory fact.
type Entry struct {
	// ID is a generated unique identifier.
	ID string

	// Keywords are the lowercase trigger substrings that activate this entry.
	Keywords []string

	// Content is the text injected into the prompt when the entry is relevant.
	Content string

	// Priority ranks the entry's importance, 1 (lowest) to 10 (highest).
	Priority int

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time

	// LastAccessed is when the entry was last returned by Relevant, zero if never.
	LastAccessed time.Time

	// AccessCount is how many times the entry has been returned by Relevant.
	AccessCount int
}

// Store holds memory entries and answers relevance queries.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string // insertion order, for deterministic tie-breaking
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Add stores a new entry and returns its generated id. Keywords are lowercased
// and trimmed; empty keywords are dropped. Priority is clamped to [1, 10].
func (s *Store) Add(keywords []string, content string, priority int) string {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.entries[id] = &Entry{
		ID:        id,
		Keywords:  normalized,
		Content:   content,
		Priority:  priority,
		CreatedAt: s.now(),
	}
	s.order = append(s.order, id)
	return id
}

// scored pairs an entry with its relevance score for one query.
type scored struct {
	entry *Entry
	score int
	pos   int
}

// Relevant returns the entries matching the recent texts, best-scoring first,
// whose estimated token cost fits within tokenBudget.
//
// An entry matches when at least one of its keywords is a substring of the
// lowercased concatenation of recentTexts. Matches are ranked by
// priority*10 + matchCount*5, plus 2 if the entry has been accessed before.
// Selection walks the ranking and stops at the first entry that would
// overflow the budget, which keeps results monotonic in the budget.
// Access bookkeeping is updated for every returned entry.
func (s *Store) Relevant(recentTexts []string, tokenBudget int) []Entry {
	search := strings.ToLower(strings.Join(recentTexts, " "))
	if search == "" || tokenBudget <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []scored
	for pos, id := range s.order {
		e := s.entries[id]
		matchCount := 0
		for _, kw := range e.Keywords {
			if strings.Contains(search, kw) {
				matchCount++
			}
		}
		if matchCount == 0 {
			continue
		}
		score := e.Priority*10 + matchCount*5
		if e.AccessCount > 0 {
			score += 2
		}
		matches = append(matches, scored{entry: e, score: score, pos: pos})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].pos < matches[j].pos
	})

	var (
		selected []Entry
		used     int
	)
	for _, m := range matches {
		cost := tokens.Estimate(m.entry.Content)
		if used+cost > tokenBudget {
			break
		}
		used += cost

		m.entry.LastAccessed = s.now()
		m.entry.AccessCount++
		selected = append(selected, *m.entry)
	}
	return selected
}

// Remove deletes the entry with the given id. It reports whether an entry
// was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	s.order = nil
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// All returns copies of every entry in insertion order.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}
