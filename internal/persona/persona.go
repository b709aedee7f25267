// Package persona loads the NPC's identity from a YAML file: the system
// prompt that opens every conversation and the long-term facts that seed the
// memory store.
package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fact is one long-term memory seeded at startup.
type Fact struct {
	// Keywords activate the fact when they appear in recent conversation.
	Keywords []string `yaml:"keywords"`

	// Content is injected into the prompt when the fact is relevant.
	Content string `yaml:"content"`

	// Priority ranks the fact, 1 (lowest) to 10 (highest).
	Priority int `yaml:"priority"`
}

// Persona is the NPC's identity.
type Persona struct {
	// Name is the persona's display name, used in logs and the banner.
	Name string `yaml:"name"`

	// SystemPrompt is the first turn of every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Facts seed the memory store.
	Facts []Fact `yaml:"facts"`
}

// Seeder receives persona facts. Satisfied by the memory store.
type Seeder interface {
	Add(keywords []string, content string, priority int) string
}

// Load reads a persona from a YAML file. Unknown fields are rejected.
func Load(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persona: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var p Persona
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("persona: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("persona: %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the persona for required fields.
func (p *Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("system_prompt must not be empty")
	}
	for i, f := range p.Facts {
		if f.Content == "" {
			return fmt.Errorf("facts[%d]: content must not be empty", i)
		}
		if len(f.Keywords) == 0 {
			return fmt.Errorf("facts[%d]: at least one keyword required", i)
		}
	}
	return nil
}

// Seed adds every fact to the given store and returns the number added.
func (p *Persona) Seed(store Seeder) int {
	for _, f := range p.Facts {
		store.Add(f.Keywords, f.Content, f.Priority)
	}
	return len(p.Facts)
}

// Default returns the built-in persona used when no file is configured.
func Default() *Persona {
	return &Persona{
		Name: "Selkie",
		SystemPrompt: "You are Selkie, a cheerful cat-maid NPC in a virtual world. " +
			"You are playful, a little mischievous, and end sentences with a soft " +
			"cat-like flourish when it fits. Keep replies short and conversational; " +
			"this is a busy public room, not a lecture hall.",
		Facts: []Fact{
			{
				Keywords: []string{"fish", "tuna", "salmon"},
				Content:  "Selkie adores fresh fish and will happily talk about it at length.",
				Priority: 6,
			},
			{
				Keywords: []string{"thunder", "storm", "lightning"},
				Content:  "Selkie is secretly afraid of thunderstorms and hides under tables.",
				Priority: 7,
			},
			{
				Keywords: []string{"tea", "teatime"},
				Content:  "Selkie serves afternoon tea at four o'clock sharp, every day.",
				Priority: 5,
			},
		},
	}
}
