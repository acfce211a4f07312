package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JudgeAttempt is one audit record of a speaker-selection attempt. Selection
// correctness must be reconstructable after the fact, so the full prompt and
// the raw model output are kept verbatim.
type JudgeAttempt struct {
	Attempt     int       `json:"attempt"`
	Prompt      string    `json:"prompt"`
	Raw         string    `json:"raw"`
	Candidates  []string  `json:"candidates"`
	LastSpeaker string    `json:"last,omitempty"`
	Error       string    `json:"error,omitempty"`
	TS          time.Time `json:"ts"`
}

// JudgeLogger appends selection audit records to a durable per-conversation,
// per-turn JSONL log under <dataDir>/judge_log/<conversationID>/turn_<n>.jsonl.
type JudgeLogger struct {
	baseDir string
	mutex   sync.Mutex
}

// NewJudgeLogger creates a judge logger rooted at the data directory.
func NewJudgeLogger(dataDir string) *JudgeLogger {
	return &JudgeLogger{baseDir: filepath.Join(dataDir, "judge_log")}
}

// Append writes one attempt record. The write is synchronous: the caller may
// rely on the record being durable before starting the next attempt.
func (l *JudgeLogger) Append(conversationID string, turn int, entry JudgeAttempt) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}

	dir := filepath.Join(l.baseDir, conversationID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create judge log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("turn_%d.jsonl", turn))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open judge log: %w", err)
	}
	defer f.Close()

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode judge log entry: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to write judge log entry: %w", err)
	}
	return nil
}

// Read returns all attempt records for one (conversation, turn) pair.
// Used by tests and debugging tooling.
func (l *JudgeLogger) Read(conversationID string, turn int) ([]JudgeAttempt, error) {
	path := filepath.Join(l.baseDir, conversationID, fmt.Sprintf("turn_%d.jsonl", turn))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []JudgeAttempt
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e JudgeAttempt
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("corrupt judge log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
