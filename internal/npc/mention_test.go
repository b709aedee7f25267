package npc_test

import (
	"testing"

	"github.com/selkiehq/selkie/internal/npc"
)

func TestMentionDetectorSubstring(t *testing.T) {
	t.Parallel()

	d := npc.NewMentionDetector([]string{"maid", "cat-maid", "kitty"}, false)

	tests := []struct {
		text string
		want bool
	}{
		{"hey maid!", true},
		{"HEY MAID", true},
		{"the cat-maid is here", true},
		{"kittycat", true}, // substring semantics
		{"hello everyone", false},
		{"", false},
		{"m a i d", false},
	}
	for _, tt := range tests {
		if got := d.Detect(tt.text); got != tt.want {
			t.Errorf("Detect(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMentionDetectorFuzzy(t *testing.T) {
	t.Parallel()

	exact := npc.NewMentionDetector([]string{"maid"}, false)
	fuzzy := npc.NewMentionDetector([]string{"maid"}, true)

	if exact.Detect("hey miad!") {
		t.Error("exact detector matched a typo")
	}
	if !fuzzy.Detect("hey miad!") {
		t.Error("fuzzy detector missed a close typo")
	}
	if fuzzy.Detect("hello world") {
		t.Error("fuzzy detector matched unrelated text")
	}
}

func TestMentionDetectorNormalizesTriggers(t *testing.T) {
	t.Parallel()

	d := npc.NewMentionDetector([]string{"  Maid ", "", "  "}, false)
	if !d.Detect("the maid bowed") {
		t.Error("Detect() = false after trigger normalization, want true")
	}
}
