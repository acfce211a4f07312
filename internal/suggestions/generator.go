// Package suggestions proposes short next-message options for the human
// participant, derived from the conversation tail by a completion call.
package suggestions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/llm"
)

// Suggestion is one candidate user message with the rhetorical angle it takes.
type Suggestion struct {
	Text  string `json:"text"`
	Angle string `json:"angle"`
}

// Meta describes how a result was produced.
type Meta struct {
	Model         string `json:"model"`
	PromptVersion int    `json:"promptVersion"`
	Cached        bool   `json:"cached"`
}

// Result is the API response shape for a suggestions request.
type Result struct {
	Suggestions []Suggestion `json:"suggestions"`
	Meta        Meta         `json:"meta"`
}

// Request parameterizes one generation.
type Request struct {
	ConversationID string
	K              int      // number of options, default 4
	MaxSentences   int      // per-option sentence cap, default 2
	Angles         []string // preferred angles, optional
	Diversify      bool     // bypass the cache for a fresh set
}

const promptVersion = 1

// Generator produces and caches suggestion sets. The cache is one JSON file
// keyed by a digest of (conversation id, message count, parameters), so a new
// message in the conversation naturally invalidates prior entries.
type Generator struct {
	store     *group.Store
	client    llm.Completer
	model     string
	cachePath string
	mutex     sync.Mutex
}

// NewGenerator wires a generator against the conversation store and the
// default completion client. Cache lives at <dataDir>/suggestions/cache.json.
func NewGenerator(dataDir string, store *group.Store, client llm.Completer, model string) (*Generator, error) {
	dir := filepath.Join(dataDir, "suggestions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create suggestions directory: %w", err)
	}
	return &Generator{
		store:     store,
		client:    client,
		model:     model,
		cachePath: filepath.Join(dir, "cache.json"),
	}, nil
}

// Generate returns K suggestion options for the conversation's next user
// message, serving from cache when the transcript has not moved.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.K <= 0 {
		req.K = 4
	}
	if req.MaxSentences <= 0 {
		req.MaxSentences = 2
	}

	conv, err := g.store.Get(req.ConversationID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(req, len(conv.Messages))
	if !req.Diversify {
		if cached, ok := g.lookup(key); ok {
			return cached, nil
		}
	}

	resp, err := g.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt(req.K, req.MaxSentences)},
			{Role: llm.RoleUser, Content: userPrompt(conv, req.Angles)},
		},
		Model:     g.model,
		MaxTokens: 256,
	})
	if err != nil {
		return nil, err
	}

	items := parseSuggestions(resp.Content, req.MaxSentences)
	items = dedup(items)
	if len(items) > req.K {
		items = items[:req.K]
	}

	result := &Result{
		Suggestions: items,
		Meta:        Meta{Model: g.model, PromptVersion: promptVersion, Cached: false},
	}
	g.remember(key, result)
	return result, nil
}

func systemPrompt(k, maxSentences int) string {
	return fmt.Sprintf(
		"You draft reply options for the human participant of a group chat. "+
			"Output ONLY a JSON array of exactly %d objects, each with \"text\" and \"angle\". "+
			"Each text is at most %d sentences, in the conversation's language. "+
			"Angles must differ (clarify, ask-example, relate, contrast, synthesize, propose, challenge). "+
			"Include at least one non-question option. No prose outside the array.",
		k, maxSentences)
}

func userPrompt(conv *group.Conversation, angles []string) string {
	var b strings.Builder
	b.WriteString("Suggest the user's next messages for this conversation.\n")
	if len(angles) > 0 {
		fmt.Fprintf(&b, "Prefer these angles: %s.\n", strings.Join(angles, ", "))
	}

	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == "assistant" {
			fmt.Fprintf(&b, "[last_assistant] %s\n", conv.Messages[i].Content)
			break
		}
	}
	tail := conv.Messages
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	for _, m := range tail {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	b.WriteString("Output strictly a JSON array, e.g. [{\"text\":\"...\",\"angle\":\"clarify\"}]")
	return b.String()
}

// parseSuggestions decodes the model's array output, repairing almost-JSON
// first. Malformed items are dropped rather than failing the request.
func parseSuggestions(raw string, maxSentences int) []Suggestion {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var parsed []map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("suggestion output is not repairable JSON")
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			log.Warn().Err(err).Msg("repaired suggestion output still not a JSON array")
			return nil
		}
	}

	out := make([]Suggestion, 0, len(parsed))
	for _, item := range parsed {
		text, _ := item["text"].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		angle, _ := item["angle"].(string)
		angle = strings.TrimSpace(angle)
		if angle == "" {
			angle = "other"
		}
		out = append(out, Suggestion{Text: limitSentences(text, maxSentences), Angle: angle})
	}
	return out
}

var sentenceEnd = regexp.MustCompile(`[.!?。！？]+\s*|\n+`)

// limitSentences keeps at most max sentences of text, splitting on Latin and
// CJK sentence terminators.
func limitSentences(text string, max int) string {
	text = strings.TrimSpace(text)
	ends := sentenceEnd.FindAllStringIndex(text, -1)
	if len(ends) < max {
		return text
	}
	cut := ends[max-1][1]
	return strings.TrimSpace(text[:cut])
}

var whitespace = regexp.MustCompile(`\s+`)

// dedup drops options whose normalized text prefix collides with an earlier
// one. Normalization: lowercase, whitespace removed, first 40 characters.
func dedup(items []Suggestion) []Suggestion {
	seen := make(map[string]bool, len(items))
	out := make([]Suggestion, 0, len(items))
	for _, it := range items {
		norm := whitespace.ReplaceAllString(strings.ToLower(it.Text), "")
		runes := []rune(norm)
		if len(runes) > 40 {
			norm = string(runes[:40])
		}
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, it)
	}
	return out
}

func cacheKey(req Request, messageCount int) string {
	src, _ := json.Marshal(map[string]any{
		"cid":    req.ConversationID,
		"last":   messageCount,
		"k":      req.K,
		"angles": req.Angles,
	})
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])[:24]
}

func (g *Generator) lookup(key string) (*Result, bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	cache := g.loadCache()
	res, ok := cache[key]
	if !ok {
		return nil, false
	}
	return &res, true
}

func (g *Generator) remember(key string, result *Result) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	cache := g.loadCache()
	entry := *result
	entry.Meta.Cached = true // future hits report a cache read
	cache[key] = entry

	raw, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("could not encode suggestions cache")
		return
	}
	tmp := g.cachePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		log.Warn().Err(err).Msg("could not write suggestions cache")
		return
	}
	if err := os.Rename(tmp, g.cachePath); err != nil {
		log.Warn().Err(err).Msg("could not replace suggestions cache")
	}
}

// loadCache tolerates a missing or corrupt cache file; the cache is an
// optimization, never a source of truth.
func (g *Generator) loadCache() map[string]Result {
	cache := make(map[string]Result)
	raw, err := os.ReadFile(g.cachePath)
	if err != nil {
		return cache
	}
	if err := json.Unmarshal(raw, &cache); err != nil {
		log.Warn().Err(err).Msg("discarding corrupt suggestions cache")
		return make(map[string]Result)
	}
	return cache
}
