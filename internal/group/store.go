package group

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

var (
	// ErrNotFound reports a conversation id with no stored aggregate.
	ErrNotFound = errors.New("group conversation not found")
	// ErrInvalidInput reports a rejected request before any storage write.
	ErrInvalidInput = errors.New("invalid input")
)

// lockTable hands out one mutex per conversation id so operations on
// different conversations proceed concurrently while readers/writers of the
// same aggregate are serialized. The index has its own entry.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) acquire(name string) func() {
	t.mu.Lock()
	l, ok := t.locks[name]
	if !ok {
		l = &sync.Mutex{}
		t.locks[name] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Store is a file-backed document store for group conversations. Every
// mutation reads the whole aggregate, changes it in memory and atomically
// rewrites the file. Locks are held for the read-modify-write only, never
// across network calls.
type Store struct {
	root      string
	convDir   string
	indexPath string
	locks     *lockTable
	now       func() time.Time
}

// NewStore prepares the directory layout under <dataDir>/group.
func NewStore(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "group")
	s := &Store{
		root:      root,
		convDir:   filepath.Join(root, "conversations"),
		indexPath: filepath.Join(root, "index.json"),
		locks:     newLockTable(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if err := os.MkdirAll(s.convDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create group store directories: %w", err)
	}
	if _, err := os.Stat(s.indexPath); os.IsNotExist(err) {
		if err := atomicWrite(s.indexPath, []Meta{}); err != nil {
			return nil, err
		}
	}
	return s, nil
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
		return nil, fmt.Errorf("failed to read conversation index: %w", err)
	}
	var metas []Meta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return nil, fmt.Errorf("corrupt conversation index: %w", err)
	}
	return metas, nil
}

// Create validates participants, assigns ids and writes a fresh aggregate
// plus its index entry.
func (s *Store) Create(title string, participants []Participant) (*Conversation, error) {
	parts, err := normalizeParticipants(participants)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if title == "" {
		title = "Group conversation"
	}
	conv := &Conversation{
		ID:           uuid.NewString(),
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: parts,
		Messages:     []TurnMessage{},
		Orchestrator: OrchestratorSettings{
			Mode:                "selector",
			AllowRepeated:       false,
			MaxSelectorAttempts: 1,
		},
		Turn: 0,
	}

	unlock := s.locks.acquire("conv-" + conv.ID)
	err = atomicWrite(s.convPath(conv.ID), conv)
	unlock()
	if err != nil {
		return nil, err
	}

	unlockIdx := s.locks.acquire("index")
	defer unlockIdx()
	metas, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	metas = append(metas, Meta{ID: conv.ID, Title: conv.Title, CreatedAt: now, UpdatedAt: now})
	if err := atomicWrite(s.indexPath, metas); err != nil {
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Int("participants", len(parts)).Msg("group conversation created")
	return conv, nil
}

// Get reads one aggregate.
func (s *Store) Get(id string) (*Conversation, error) {
	unlock := s.locks.acquire("conv-" + id)
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

// List returns index entries sorted by updatedAt descending. Entries whose
// files were removed externally are healed out of the index.
func (s *Store) List() ([]Meta, error) {
	unlock := s.locks.acquire("index")
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

// mutate runs one atomic read-modify-write on an aggregate and syncs the
// index's updatedAt afterwards.
func (s *Store) mutate(id string, fn func(*Conversation) error) (*Conversation, error) {
	unlock := s.locks.acquire("conv-" + id)
	conv, err := s.read(id)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := fn(conv); err != nil {
		unlock()
		return nil, err
	}
	conv.UpdatedAt = s.now()
	err = atomicWrite(s.convPath(id), conv)
	unlock()
	if err != nil {
		return nil, err
	}

	s.touchIndex(id, conv.UpdatedAt)
	return conv, nil
}

func (s *Store) touchIndex(id string, updatedAt time.Time) {
	unlock := s.locks.acquire("index")
	defer unlock()

	metas, err := s.readIndex()
	if err != nil {
		log.Warn().Err(err).Msg("could not refresh index updatedAt")
		return
	}
	for i := range metas {
		if metas[i].ID == id {
			metas[i].UpdatedAt = updatedAt
			break
		}
	}
	if err := atomicWrite(s.indexPath, metas); err != nil {
		log.Warn().Err(err).Msg("could not refresh index updatedAt")
	}
}

// AppendUser appends a user message. Durable even if the turn that carried
// it fails later.
func (s *Store) AppendUser(id, text string) (*Conversation, error) {
	return s.mutate(id, func(c *Conversation) error {
		c.Messages = append(c.Messages, TurnMessage{Role: "user", Content: text, TS: s.now()})
		return nil
	})
}

// AppendAssistant appends an assistant message attributed to agentID.
func (s *Store) AppendAssistant(id, agentID, text string) (*Conversation, error) {
	return s.mutate(id, func(c *Conversation) error {
		c.Messages = append(c.Messages, TurnMessage{Role: "assistant", Content: text, TS: s.now(), AgentID: agentID})
		return nil
	})
}

// SetPaused flips the informational pause flag.
func (s *Store) SetPaused(id string, paused bool) (*Conversation, error) {
	return s.mutate(id, func(c *Conversation) error {
		c.Paused = paused
		return nil
	})
}

// SetLastSpeaker records the most recent assistant speaker.
func (s *Store) SetLastSpeaker(id, agentID string) (*Conversation, error) {
	return s.mutate(id, func(c *Conversation) error {
		c.LastSpeaker = agentID
		return nil
	})
}

// BumpTurn increments the completed-turn counter and returns the new value.
func (s *Store) BumpTurn(id string) (int, error) {
	conv, err := s.mutate(id, func(c *Conversation) error {
		c.Turn++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return conv.Turn, nil
}

// PatchOrchestrator merges non-nil patch fields into the settings.
func (s *Store) PatchOrchestrator(id string, patch OrchestratorPatch) (*Conversation, error) {
	return s.mutate(id, func(c *Conversation) error {
		settings, err := applyPatch(c.Orchestrator, patch)
		if err != nil {
			return err
		}
		c.Orchestrator = settings
		return nil
	})
}
