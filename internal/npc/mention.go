package npc

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a token to count
// as a fuzzy trigger-word match.
const fuzzyThreshold = 0.92

// MentionDetector flags utterances that address the persona directly.
//
// Detection is a case-insensitive substring scan over the configured trigger
// words. Fuzzy matching additionally compares each whitespace-separated token
// against the triggers with Jaro-Winkler similarity, catching typos like
// "miad" for "maid". Fuzzy matching is opt-in.
type MentionDetector struct {
	triggers []string
	fuzzy    bool
}

// NewMentionDetector creates a detector for the given trigger words.
// Triggers are lowercased and trimmed; empty triggers are dropped.
func NewMentionDetector(triggers []string, fuzzy bool) *MentionDetector {
	normalized := make([]string, 0, len(triggers))
	for _, tw := range triggers {
		tw = strings.ToLower(strings.TrimSpace(tw))
		if tw != "" {
			normalized = append(normalized, tw)
		}
	}
	return &MentionDetector{triggers: normalized, fuzzy: fuzzy}
}

// Detect reports whether text contains a trigger word.
func (d *MentionDetector) Detect(text string) bool {
	lower := strings.ToLower(text)
	for _, tw := range d.triggers {
		if strings.Contains(lower, tw) {
			return true
		}
	}
	if !d.fuzzy {
		return false
	}
	for _, token := range strings.Fields(lower) {
		token = strings.Trim(token, ".,!?;:\"'()[]")
		if token == "" {
			continue
		}
		for _, tw := range d.triggers {
			if matchr.JaroWinkler(token, tw, true) >= fuzzyThreshold {
				return true
			}
		}
	}
	return false
}
