package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rolechat/internal/group"
	"github.com/rolechat/internal/llm"
	"github.com/rolechat/internal/logging"
)

// Selection reasons, as reported in the judge.decision event.
const (
	ReasonOverride        = "override_next"
	ReasonSingleCandidate = "single_candidate"
	ReasonJudgeExact      = "judge_ok"
	ReasonJudgeNameMatch  = "judge_name_match"
	ReasonFallback        = "fallback_round_robin"
)

// Selection is the outcome of speaker selection.
type Selection struct {
	AgentID string
	Reason  string
}

// candidatesFor applies the no-repeat policy: with repeats disallowed and at
// least two participants, the last speaker is excluded (only if it is still a
// current participant).
func candidatesFor(conv *group.Conversation) []string {
	candidates := conv.AgentIDs()
	if conv.Orchestrator.AllowRepeated || len(candidates) < 2 {
		return candidates
	}
	if conv.LastSpeaker == "" {
		return candidates
	}
	filtered := make([]string, 0, len(candidates))
	excluded := false
	for _, id := range candidates {
		if id == conv.LastSpeaker {
			excluded = true
			continue
		}
		filtered = append(filtered, id)
	}
	if !excluded {
		return candidates
	}
	return filtered
}

// fallbackRoundRobin picks the participant immediately after the last speaker
// in the fixed participant order, wrapping; the first participant when there
// is no recorded last speaker. If that pick would repeat the last speaker
// under a no-repeat policy and an alternative exists, the first candidate is
// substituted. Total: always yields a speaker when participants exist.
func fallbackRoundRobin(conv *group.Conversation, candidates []string) string {
	order := conv.AgentIDs()
	idx := 0
	if conv.LastSpeaker != "" {
		for i, id := range order {
			if id == conv.LastSpeaker {
				idx = (i + 1) % len(order)
				break
			}
		}
	}
	pick := order[idx]
	if !conv.Orchestrator.AllowRepeated && pick == conv.LastSpeaker && len(candidates) > 0 && candidates[0] != pick {
		pick = candidates[0]
	}
	return pick
}

// buildJudgePrompt renders the selection prompt: candidate ids, repeat
// policy, last speaker, a compact role summary per participant and the last
// six transcript lines.
func (o *Orchestrator) buildJudgePrompt(conv *group.Conversation, candidates []string) string {
	var roleLines []string
	for _, p := range conv.Participants {
		rc, ok := o.roles.Get(p.RoleCardID)
		if !ok {
			continue
		}
		desc := rc.StyleHints
		if desc == "" {
			desc = "persona"
		}
		roleLines = append(roleLines, fmt.Sprintf("%s: %s - %s", p.AgentID, rc.Name, desc))
	}

	var historyLines []string
	messages := conv.Messages
	if len(messages) > 6 {
		messages = messages[len(messages)-6:]
	}
	for _, m := range messages {
		src := m.AgentID
		if src == "" {
			src = m.Role
		}
		historyLines = append(historyLines, fmt.Sprintf("%s: %s", src, m.Content))
	}

	repeats := "no"
	if conv.Orchestrator.AllowRepeated {
		repeats = "yes"
	}
	last := conv.LastSpeaker
	if last == "" {
		last = "none"
	}

	return fmt.Sprintf(
		"You are the moderator of a group chat. Choose the next speaker from the candidates and output exactly that agentId, nothing else.\n"+
			"Candidates: [%s]\nConsecutive turns by the same speaker allowed: %s; last speaker: %s\n"+
			"Roles:\n%s\n\nRecent history:\n%s\n",
		strings.Join(candidates, ", "), repeats, last,
		strings.Join(roleLines, "\n"), strings.Join(historyLines, "\n"),
	)
}

// normalizeJudgeOutput trims whitespace and stray backticks from the raw
// model output.
func normalizeJudgeOutput(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "` ")
}

// selectSpeaker picks the next speaker for a turn, in strict priority order:
// one-shot override, single remaining candidate, bounded judge loop, then
// the deterministic round-robin fallback.
func (o *Orchestrator) selectSpeaker(ctx context.Context, conv *group.Conversation, sink *turnSink) Selection {
	candidates := candidatesFor(conv)
	maxAttempts := conv.Orchestrator.MaxSelectorAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	sink.send(EventJudgeStart, JudgeStartPayload{
		Candidates:    candidates,
		AllowRepeated: conv.Orchestrator.AllowRepeated,
		Attempts:      maxAttempts,
	})

	if override := conv.Orchestrator.OverrideNext; override != "" {
		if _, ok := conv.Participant(override); ok {
			// Consume the one-shot hint in the same logical step.
			empty := ""
			if _, err := o.store.PatchOrchestrator(conv.ID, group.OrchestratorPatch{OverrideNext: &empty}); err != nil {
				log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("could not clear overrideNext")
			}
			return Selection{AgentID: override, Reason: ReasonOverride}
		}
	}

	if len(candidates) == 1 {
		return Selection{AgentID: candidates[0], Reason: ReasonSingleCandidate}
	}

	prompt := o.buildJudgePrompt(conv, candidates)
	turn := conv.Turn + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, callErr := o.judgeCall(ctx, prompt)

		entry := logging.JudgeAttempt{
			Attempt:     attempt,
			Prompt:      prompt,
			Raw:         raw,
			Candidates:  candidates,
			LastSpeaker: conv.LastSpeaker,
		}
		if callErr != nil {
			entry.Error = callErr.Error()
		}
		// The audit write is synchronous: attempt n+1 never starts
		// before attempt n is on disk.
		if err := o.judgeLog.Append(conv.ID, turn, entry); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("judge audit write failed")
		}

		if callErr != nil {
			// A provider failure during selection degrades to the
			// next attempt or the fallback, never kills the turn.
			log.Warn().Err(callErr).Int("attempt", attempt).Msg("judge call failed")
			continue
		}

		out := normalizeJudgeOutput(raw)
		if sel, feedback := matchJudgeOutput(conv, candidates, out); sel != nil {
			return *sel
		} else if feedback != "" {
			sink.send(EventJudgeFeedback, JudgeFeedbackPayload{Text: feedback})
		} else {
			sink.send(EventJudgeFeedback, JudgeFeedbackPayload{Text: "Invalid output; reply with exactly one candidate agentId."})
		}
	}

	return Selection{AgentID: fallbackRoundRobin(conv, candidates), Reason: ReasonFallback}
}

// matchJudgeOutput accepts the normalized judge output if it exactly matches
// a candidate id, or case-insensitively matches a candidate's display name
// or role-card id. A name match that maps back to the excluded last speaker
// under a no-repeat policy is rejected with feedback. First matching
// participant wins; the tie-break is deliberately order-dependent.
func matchJudgeOutput(conv *group.Conversation, candidates []string, out string) (*Selection, string) {
	if out == "" {
		return nil, ""
	}

	for _, id := range candidates {
		if out == id {
			return &Selection{AgentID: id, Reason: ReasonJudgeExact}, ""
		}
	}

	lower := strings.ToLower(out)
	inCandidates := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		inCandidates[id] = true
	}
	for _, p := range conv.Participants {
		if !inCandidates[p.AgentID] && p.AgentID != conv.LastSpeaker {
			continue
		}
		nameMatch := strings.Contains(strings.ToLower(p.Name), lower)
		slugMatch := lower == strings.ToLower(p.RoleCardID)
		if !nameMatch && !slugMatch {
			continue
		}
		if !conv.Orchestrator.AllowRepeated && p.AgentID == conv.LastSpeaker {
			return nil, "The previous speaker cannot take two turns in a row."
		}
		if inCandidates[p.AgentID] {
			return &Selection{AgentID: p.AgentID, Reason: ReasonJudgeNameMatch}, ""
		}
	}
	return nil, ""
}

// judgeCall makes one terse selection call against the default provider.
func (o *Orchestrator) judgeCall(ctx context.Context, prompt string) (string, error) {
	temp := o.judgeTemperature
	resp, err := o.judge.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: &temp,
		MaxTokens:   o.judgeMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
