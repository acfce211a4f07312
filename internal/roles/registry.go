// Package roles loads persona definitions ("role cards") from a directory of
// JSON files. The registry is read-only after load.
package roles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// RoleCard is one persona definition. The slug is the file name without the
// .json extension and doubles as the catalog key.
type RoleCard struct {
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	StyleHints   string   `json:"styleHints,omitempty"`
	Greeting     string   `json:"greeting,omitempty"`
	Locales      []string `json:"locales,omitempty"`
}

// roleCardFile is the on-disk schema. "prompt" is canonical; "system" is an
// accepted legacy spelling.
type roleCardFile struct {
	Name     string   `json:"name"`
	Prompt   string   `json:"prompt"`
	System   string   `json:"system"`
	Style    string   `json:"style"`
	Greeting string   `json:"greeting"`
	Locales  []string `json:"locales"`
}

// Registry holds the loaded role catalog.
type Registry struct {
	cards map[string]RoleCard
}

// Load reads every *.json file under dir. Files that fail to parse or carry
// an empty prompt are skipped, not treated as errors: a half-written role
// card must not take the whole catalog down.
func Load(dir string) (*Registry, error) {
	reg := &Registry{cards: make(map[string]RoleCard)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("dir", dir).Msg("roles directory does not exist; catalog is empty")
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read roles directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable role card")
			continue
		}
		var rc roleCardFile
		if err := json.Unmarshal(raw, &rc); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping malformed role card")
			continue
		}
		prompt := strings.TrimSpace(rc.Prompt)
		if prompt == "" {
			prompt = strings.TrimSpace(rc.System)
		}
		if prompt == "" {
			// Tolerated: cards without a prompt are simply not loaded.
			log.Debug().Str("file", entry.Name()).Msg("skipping role card with empty prompt")
			continue
		}
		name := strings.TrimSpace(rc.Name)
		if name == "" {
			name = slug
		}
		reg.cards[slug] = RoleCard{
			Slug:         slug,
			Name:         name,
			SystemPrompt: prompt,
			StyleHints:   strings.TrimSpace(rc.Style),
			Greeting:     strings.TrimSpace(rc.Greeting),
			Locales:      rc.Locales,
		}
	}

	log.Info().Int("count", len(reg.cards)).Str("dir", dir).Msg("role catalog loaded")
	return reg, nil
}

// Get returns the role card for slug, or false if absent.
func (r *Registry) Get(slug string) (RoleCard, bool) {
	rc, ok := r.cards[slug]
	return rc, ok
}

// List returns all role cards sorted by slug.
func (r *Registry) List() []RoleCard {
	out := make([]RoleCard, 0, len(r.cards))
	for _, rc := range r.cards {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
