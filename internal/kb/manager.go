// Package kb implements file-backed knowledge bases: named document
// collections that can be bound to role cards. Ingestion splits plain text
// into heading/paragraph chunks with a short outline and summary; retrieval
// beyond listing is out of scope.
package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound reports a missing knowledge base.
var ErrNotFound = fmt.Errorf("knowledge base not found")

// Meta is the per-KB metadata record.
type Meta struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	RoleCardID string    `json:"roleCardId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Chunk is one ingested text segment.
type Chunk struct {
	Index int    `json:"index"`
	Type  string `json:"type"` // "heading" or "paragraph"
	Text  string `json:"text"`
}

// Document is one ingested text with its derived structure.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Outline   []string  `json:"outline"`
	Summary   string    `json:"summary"`
	Chunks    []Chunk   `json:"chunks"`
}

// Manager stores knowledge bases under <dataDir>/kb:
// index.json, bindings.json and one <id>/ directory per KB with meta.json
// plus docs/<docID>.json.
type Manager struct {
	base         string
	indexPath    string
	bindingsPath string
	mutex        sync.Mutex
	now          func() time.Time
}

// NewManager creates the kb directory tree rooted at the data directory.
func NewManager(dataDir string) (*Manager, error) {
	base := filepath.Join(dataDir, "kb")
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create kb directory: %w", err)
	}
	return &Manager{
		base:         base,
		indexPath:    filepath.Join(base, "index.json"),
		bindingsPath: filepath.Join(base, "bindings.json"),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create makes a new knowledge base, optionally bound to a role card.
func (m *Manager) Create(title, roleCardID string) (*Meta, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if strings.TrimSpace(title) == "" {
		title = "Untitled knowledge base"
	}
	now := m.now()
	meta := Meta{
		ID:         uuid.NewString(),
		Title:      title,
		RoleCardID: roleCardID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	docsDir := filepath.Join(m.base, meta.ID, "docs")
	if err := os.MkdirAll(docsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create kb %s: %w", meta.ID, err)
	}
	if err := m.writeJSON(filepath.Join(m.base, meta.ID, "meta.json"), meta); err != nil {
		return nil, err
	}

	index := m.readIndex()
	index = append(index, meta)
	if err := m.writeJSON(m.indexPath, index); err != nil {
		return nil, err
	}

	if roleCardID != "" {
		bindings := m.readBindings()
		ids := bindings[roleCardID]
		if !contains(ids, meta.ID) {
			bindings[roleCardID] = append(ids, meta.ID)
		}
		if err := m.writeJSON(m.bindingsPath, bindings); err != nil {
			return nil, err
		}
	}
	return &meta, nil
}

// Get returns one knowledge base's metadata.
func (m *Manager) Get(id string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(m.base, id, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read kb %s: %w", id, err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt kb metadata %s: %w", id, err)
	}
	return &meta, nil
}

// List returns all knowledge bases, most recently updated first.
func (m *Manager) List() []Meta {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	index := m.readIndex()
	sort.Slice(index, func(i, j int) bool { return index[i].UpdatedAt.After(index[j].UpdatedAt) })
	return index
}

// ListForRole returns the knowledge bases bound to one role card.
func (m *Manager) ListForRole(roleCardID string) []Meta {
	m.mutex.Lock()
	ids := m.readBindings()[roleCardID]
	m.mutex.Unlock()

	var out []Meta
	for _, id := range ids {
		if meta, err := m.Get(id); err == nil {
			out = append(out, *meta)
		}
	}
	return out
}

// IngestText splits text into chunks and stores it as a new document of the
// knowledge base, refreshing the KB's updatedAt.
func (m *Manager) IngestText(kbID, title, text string) (*Document, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	metaPath := filepath.Join(m.base, kbID, "meta.json")
	if _, err := os.Stat(metaPath); err != nil {
		return nil, ErrNotFound
	}

	paragraphs := splitParagraphs(text)
	chunks := make([]Chunk, 0, len(paragraphs))
	var outline []string
	for i, p := range paragraphs {
		kind := "paragraph"
		if isHeading(p) {
			kind = "heading"
			outline = append(outline, truncateRunes(p, 80))
		}
		chunks = append(chunks, Chunk{Index: i + 1, Type: kind, Text: p})
	}
	if len(outline) > 20 {
		outline = outline[:20]
	}

	summary := ""
	if len(paragraphs) > 0 {
		summary = strings.TrimSpace(truncateRunes(paragraphs[0], 200))
	}

	doc := Document{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		CreatedAt: m.now(),
		Outline:   outline,
		Summary:   summary,
		Chunks:    chunks,
	}
	if doc.Title == "" {
		doc.Title = "doc-" + doc.ID[:8]
	}

	if err := m.writeJSON(filepath.Join(m.base, kbID, "docs", doc.ID+".json"), doc); err != nil {
		return nil, err
	}

	meta, err := m.readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	meta.UpdatedAt = m.now()
	if err := m.writeJSON(metaPath, meta); err != nil {
		return nil, err
	}
	m.touchIndex(*meta)

	return &doc, nil
}

// ListDocs returns all documents of a knowledge base, newest first.
func (m *Manager) ListDocs(kbID string) ([]Document, error) {
	docsDir := filepath.Join(m.base, kbID, "docs")
	entries, err := os.ReadDir(docsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read kb docs: %w", err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(docsDir, entry.Name()))
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return docs, nil
}

// headingPattern matches markdown headings, numbered list leaders and CJK
// chapter markers.
var headingPattern = regexp.MustCompile(`^(#{1,6}\s|[0-9]+[.、)]\s*|第[一二三四五六七八九十百千0-9]+[章节部篇])`)

// isHeading treats structural leaders and very short paragraphs as headings.
func isHeading(p string) bool {
	return headingPattern.MatchString(p) || len([]rune(p)) < 40
}

// splitParagraphs joins consecutive non-blank lines and splits on blank
// lines.
func splitParagraphs(text string) []string {
	var paragraphs []string
	var buf []string
	flush := func() {
		if len(buf) > 0 {
			paragraphs = append(paragraphs, strings.Join(buf, " "))
			buf = buf[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return paragraphs
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (m *Manager) readMeta(path string) (*Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kb metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt kb metadata: %w", err)
	}
	return &meta, nil
}

func (m *Manager) readIndex() []Meta {
	var index []Meta
	if raw, err := os.ReadFile(m.indexPath); err == nil {
		_ = json.Unmarshal(raw, &index)
	}
	return index
}

func (m *Manager) readBindings() map[string][]string {
	bindings := make(map[string][]string)
	if raw, err := os.ReadFile(m.bindingsPath); err == nil {
		_ = json.Unmarshal(raw, &bindings)
	}
	return bindings
}

func (m *Manager) touchIndex(meta Meta) {
	index := m.readIndex()
	for i := range index {
		if index[i].ID == meta.ID {
			index[i] = meta
			break
		}
	}
	if err := m.writeJSON(m.indexPath, index); err != nil {
		log.Warn().Err(err).Str("kb_id", meta.ID).Msg("kb index refresh failed")
	}
}

func (m *Manager) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
