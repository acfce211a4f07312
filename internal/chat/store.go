// Package chat is the single-user conversation store: one human talking to
// one persona, CRUD plus a non-streamed completion round. It shares the
// group store's file layout discipline (atomic whole-document rewrites under
// per-id locks) but none of its orchestration.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound reports a conversation id with no stored document.
var ErrNotFound = errors.New("conversation not found")

// Message is one transcript entry.
type Message struct {
	Role    string    `json:"role"` // user|assistant|system
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// Conversation is the stored document.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// Meta is the index entry for one conversation.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists single-user conversations under <dataDir>/chat.
type Store struct {
	convDir   string
	indexPath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewStore prepares the directory layout.
func NewStore(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "chat")
	s := &Store{
		convDir:   filepath.Join(root, "conversations"),
		indexPath: filepath.Join(root, "index.json"),
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if err := os.MkdirAll(s.convDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chat store directories: %w", err)
	}
	if _, err := os.Stat(s.indexPath); os.IsNotExist(err) {
		if err := atomicWrite(s.indexPath, []Meta{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) acquire(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func atomicWrite(path string, data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
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

func (s *Store) convPath(id string) string {
	return filepath.Join(s.convDir, id+".json")
}

func (s *Store) readIndex() ([]Meta, error) {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat index: %w", err)
	}
	var metas []Meta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return nil, fmt.Errorf("corrupt chat index: %w", err)
	}
	return metas, nil
}

// Create writes a fresh conversation. A non-empty system prompt becomes the
// first transcript entry.
func (s *Store) Create(title, system string) (*Meta, error) {
	now := s.now()
	if title == "" {
		title = "New conversation"
	}
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
	if system != "" {
		conv.Messages = append(conv.Messages, Message{Role: "system", Content: system, TS: now})
	}

	unlock := s.acquire("conv-" + conv.ID)
	err := atomicWrite(s.convPath(conv.ID), conv)
	unlock()
	if err != nil {
		return nil, err
	}

	unlockIdx := s.acquire("index")
	defer unlockIdx()
	metas, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	meta := Meta{ID: conv.ID, Title: conv.Title, CreatedAt: now, UpdatedAt: now}
	metas = append(metas, meta)
	if err := atomicWrite(s.indexPath, metas); err != nil {
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Msg("chat conversation created")
	return &meta, nil
}

// Get reads one conversation.
func (s *Store) Get(id string) (*Conversation, error) {
	unlock := s.acquire("conv-" + id)
	defer unlock()
	return s.read(id)
}

func (s *Store) read(id string) (*Conversation, error) {
	raw, err := os.ReadFile(s.convPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("corrupt conversation %s: %w", id, err)
	}
	return &conv, nil
}

// List returns index entries sorted by updatedAt descending, healing entries
// whose files were removed externally.
func (s *Store) List() ([]Meta, error) {
	unlock := s.acquire("index")
	defer unlock()

	metas, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	valid := metas[:0]
	changed := false
	for _, m := range metas {
		if _, err := os.Stat(s.convPath(m.ID)); err == nil {
			valid = append(valid, m)
		} else {
			changed = true
		}
	}
	if changed {
		if err := atomicWrite(s.indexPath, valid); err != nil {
			return nil, err
		}
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].UpdatedAt.After(valid[j].UpdatedAt) })
	return valid, nil
}

// Append adds one message and refreshes updatedAt.
func (s *Store) Append(id string, msg Message) (*Conversation, error) {
	if msg.TS.IsZero() {
		msg.TS = s.now()
	}
	return s.mutate(id, func(c *Conversation) {
		c.Messages = append(c.Messages, msg)
	})
}

// Rename changes the title.
func (s *Store) Rename(id, title string) (*Meta, error) {
	conv, err := s.mutate(id, func(c *Conversation) {
		c.Title = title
	})
	if err != nil {
		return nil, err
	}
	return &Meta{ID: conv.ID, Title: conv.Title, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt}, nil
}

// Delete removes the conversation file and its index entry.
func (s *Store) Delete(id string) error {
	unlock := s.acquire("conv-" + id)
	err := os.Remove(s.convPath(id))
	unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}

	unlockIdx := s.acquire("index")
	defer unlockIdx()
	metas, err := s.readIndex()
	if err != nil {
		return err
	}
	kept := metas[:0]
	for _, m := range metas {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	return atomicWrite(s.indexPath, kept)
}

func (s *Store) mutate(id string, fn func(*Conversation)) (*Conversation, error) {
	unlock := s.acquire("conv-" + id)
	conv, err := s.read(id)
	if err != nil {
		unlock()
		return nil, err
	}
	fn(conv)
	conv.UpdatedAt = s.now()
	err = atomicWrite(s.convPath(id), conv)
	unlock()
	if err != nil {
		return nil, err
	}

	s.touchIndex(id, conv.Title, conv.UpdatedAt)
	return conv, nil
}

func (s *Store) touchIndex(id, title string, updatedAt time.Time) {
	unlock := s.acquire("index")
	defer unlock()

	metas, err := s.readIndex()
	if err != nil {
		log.Warn().Err(err).Msg("could not refresh chat index")
		return
	}
	for i := range metas {
		if metas[i].ID == id {
			metas[i].Title = title
			metas[i].UpdatedAt = updatedAt
			break
		}
	}
	if err := atomicWrite(s.indexPath, metas); err != nil {
		log.Warn().Err(err).Msg("could not refresh chat index")
	}
}
