package session

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clawos/kernel/pkg/contracts"
)

// Objective resolution mirrors the session chain: continue the active
// objective unless the message reads as a new goal.

var (
	listPattern = regexp.MustCompile(`(?i)\b(?:list|give me|name)\s+(\d+)\b`)
	codePattern = regexp.MustCompile(`(?i)\b(?:write|generate|implement)\b.*\b(?:code|script|function|program)\b`)
	filePattern = regexp.MustCompile(`(?i)\b(?:create|save|write)\b.*\bfile\b`)
	goalPattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:find|list|write|create|build|search|send|summarize|generate|research|make)\b`)
)

// DeliverableFor derives the required deliverable from the message text.
func DeliverableFor(message string) contracts.RequiredDeliverable {
	if m := listPattern.FindStringSubmatch(message); m != nil {
		n, _ := strconv.Atoi(m[1])
		return contracts.RequiredDeliverable{Type: contracts.DeliverList, Count: n, Description: message}
	}
	if codePattern.MatchString(message) {
		return contracts.RequiredDeliverable{Type: contracts.DeliverCode, Description: message}
	}
	if filePattern.MatchString(message) {
		return contracts.RequiredDeliverable{Type: contracts.DeliverFile, Description: message}
	}
	if strings.Contains(message, "?") {
		return contracts.RequiredDeliverable{Type: contracts.DeliverAnswer, Description: message}
	}
	return contracts.RequiredDeliverable{Type: contracts.DeliverNone}
}

// ResolveObjective returns the active objective for the session, or creates
// one when the message states a new goal. An optional model breaks ties for
// messages the heuristics cannot read.
func (r *Resolver) ResolveObjective(ctx context.Context, sessionID, userMessage string) (*contracts.Objective, bool, error) {
	active, err := r.store.ActiveObjective(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("load objective: %w", err)
	}

	newGoal := goalPattern.MatchString(userMessage)
	if active != nil && !newGoal && r.llm != nil {
		prompt := fmt.Sprintf(
			"Current goal: %s\nNew message: %s\nReply yes or no: does the message state a different goal?",
			active.Goal, userMessage)
		if out, err := r.llm.Complete(ctx, prompt); err == nil {
			newGoal = strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "yes")
		}
	}

	if active != nil && !newGoal {
		return active, false, nil
	}

	o := &contracts.Objective{
		ObjectiveID:         contracts.NewID("obj"),
		SessionID:           sessionID,
		Goal:                userMessage,
		RequiredDeliverable: DeliverableFor(userMessage),
		Status:              contracts.ObjectiveInProgress,
		CreatedAt:           r.clock.Now(),
	}
	if err := r.store.CreateObjective(ctx, o); err != nil {
		return nil, false, fmt.Errorf("create objective: %w", err)
	}
	return o, true, nil
}

// RecordToolEvidence appends evidence of a real tool call to the objective.
func (r *Resolver) RecordToolEvidence(ctx context.Context, objectiveID, tool, summary string) error {
	return r.store.AppendToolEvidence(ctx, &contracts.ToolEvidence{
		ObjectiveID: objectiveID,
		Tool:        tool,
		Summary:     summary,
		TS:          r.clock.Now(),
	})
}

// RecordTurn appends one exchange to the objective transcript.
func (r *Resolver) RecordTurn(ctx context.Context, objectiveID, role, content string) error {
	return r.store.AppendTurn(ctx, &contracts.Turn{
		ObjectiveID: objectiveID,
		Role:        role,
		Content:     content,
		TS:          r.clock.Now(),
	})
}

// CompleteObjective marks the objective done or failed.
func (r *Resolver) CompleteObjective(ctx context.Context, objectiveID string, ok bool) error {
	status := contracts.ObjectiveFailed
	if ok {
		status = contracts.ObjectiveCompleted
	}
	return r.store.UpdateObjectiveStatus(ctx, objectiveID, status)
}

// Claims the assistant is not allowed to make without matching tool
// evidence, keyed by the tool that would back them.
var toolClaims = map[string][]string{
	"web_search": {"i searched", "i found online", "according to my search"},
	"send_email": {"i sent the email", "email sent", "i've emailed"},
	"write_file": {"i saved the file", "i wrote the file", "file saved"},
	"run_shell":  {"i ran the command", "i executed"},
}

// SanitizeClaims removes tool-action claims that no recorded evidence
// supports, so the assistant never asserts actions it did not take.
func (r *Resolver) SanitizeClaims(ctx context.Context, objectiveID, reply string) (string, error) {
	evidence, err := r.store.ListToolEvidence(ctx, objectiveID)
	if err != nil {
		return "", fmt.Errorf("load tool evidence: %w", err)
	}
	used := map[string]bool{}
	for _, ev := range evidence {
		used[ev.Tool] = true
	}

	lower := strings.ToLower(reply)
	for tool, phrases := range toolClaims {
		if used[tool] {
			continue
		}
		for _, phrase := range phrases {
			if strings.Contains(lower, phrase) {
				return "", contracts.E(contracts.CodeBadRequest,
					"reply claims %s activity without evidence", tool)
			}
		}
	}
	return reply, nil
}
