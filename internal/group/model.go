// Package group holds the multi-party conversation aggregate and its
// file-backed document store.
package group

import (
	"fmt"
	"strings"
	"time"
)

// MaxParticipants bounds how many personas can share one conversation.
const MaxParticipants = 3

// Participant is one AI persona bound into a conversation. The participant
// order is fixed at creation and defines the round-robin fallback order.
type Participant struct {
	AgentID       string `json:"agentId"`
	RoleCardID    string `json:"roleCardId"`
	Name          string `json:"name"`
	Model         string `json:"model,omitempty"`
	ProviderAlias string `json:"providerAlias,omitempty"`
}

// TurnMessage is one transcript entry. AgentID is set only on
// assistant-authored messages and identifies which participant spoke.
type TurnMessage struct {
	Role    string    `json:"role"` // user|assistant|system
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
	AgentID string    `json:"agentId,omitempty"`
}

// OrchestratorSettings are the mutable per-conversation turn settings.
// OverrideNext is a one-shot hint consumed by the next selection.
type OrchestratorSettings struct {
	Mode                string `json:"mode"`
	AllowRepeated       bool   `json:"allowRepeated"`
	MaxSelectorAttempts int    `json:"maxSelectorAttempts"`
	OverrideNext        string `json:"overrideNext,omitempty"`
}

// OrchestratorPatch merges into OrchestratorSettings. Nil fields are left
// untouched; a non-nil empty OverrideNext clears the hint. Unknown settings
// cannot be smuggled in: the patch is a closed struct, not a map.
type OrchestratorPatch struct {
	AllowRepeated       *bool   `json:"allowRepeated,omitempty"`
	MaxSelectorAttempts *int    `json:"maxSelectorAttempts,omitempty"`
	OverrideNext        *string `json:"overrideNext,omitempty"`
}

// Conversation is the root aggregate. It is always read and rewritten as a
// whole; no partial updates.
type Conversation struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
	Participants []Participant        `json:"participants"`
	Messages     []TurnMessage        `json:"messages"`
	Orchestrator OrchestratorSettings `json:"orchestrator"`
	LastSpeaker  string               `json:"lastSpeaker,omitempty"`
	Paused       bool                 `json:"paused"`
	Turn         int                  `json:"turn"`
}

// Meta is the index entry for one conversation.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant lookup by agent id.
func (c *Conversation) Participant(agentID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.AgentID == agentID {
			return p, true
		}
	}
	return Participant{}, false
}

// AgentIDs returns participant ids in their fixed order.
func (c *Conversation) AgentIDs() []string {
	out := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		out[i] = p.AgentID
	}
	return out
}

// normalizeParticipants assigns missing agent ids (agent-<n>) and default
// display names, and validates count and uniqueness.
func normalizeParticipants(participants []Participant) ([]Participant, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: participants is required", ErrInvalidInput)
	}
	if len(participants) > MaxParticipants {
		return nil, fmt.Errorf("%w: at most %d participants are allowed", ErrInvalidInput, MaxParticipants)
	}

	out := make([]Participant, len(participants))
	seen := make(map[string]bool, len(participants))
	for i, p := range participants {
		if strings.TrimSpace(p.RoleCardID) == "" {
			return nil, fmt.Errorf("%w: participant %d has no roleCardId", ErrInvalidInput, i+1)
		}
		if p.AgentID == "" {
			p.AgentID = fmt.Sprintf("agent-%d", i+1)
		}
		if p.Name == "" {
			p.Name = p.RoleCardID
		}
		if seen[p.AgentID] {
			return nil, fmt.Errorf("%w: duplicate agentId %q", ErrInvalidInput, p.AgentID)
		}
		seen[p.AgentID] = true
		out[i] = p
	}
	return out, nil
}

// applyPatch merges a patch into settings, validating bounds.
func applyPatch(settings OrchestratorSettings, patch OrchestratorPatch) (OrchestratorSettings, error) {
	if patch.AllowRepeated != nil {
		settings.AllowRepeated = *patch.AllowRepeated
	}
	if patch.MaxSelectorAttempts != nil {
		if *patch.MaxSelectorAttempts < 1 {
			return settings, fmt.Errorf("%w: maxSelectorAttempts must be >= 1", ErrInvalidInput)
		}
		settings.MaxSelectorAttempts = *patch.MaxSelectorAttempts
	}
	if patch.OverrideNext != nil {
		settings.OverrideNext = *patch.OverrideNext
	}
	return settings, nil
}
