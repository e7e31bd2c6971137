// Package session resolves conversational continuity per (workspace,
// channel, remote_jid): reset keywords, timeouts, optional topic-drift
// classification, and context summarization after each turn.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

// DefaultTimeout separates sessions when the gap between messages exceeds
// it. Overridden by SESSION_TIMEOUT_MINUTES.
const DefaultTimeout = 30 * time.Minute

// SummaryCap bounds the regenerated context summary.
const SummaryCap = 1000

// Reset keywords, compared after NFKC normalization and case folding.
var resetKeywords = map[string]bool{
	"reset":         true,
	"new session":   true,
	"start over":    true,
	"nueva sesion":  true,
	"nueva sesión":  true,
	"clear context": true,
}

// Decision is the resolver verdict: a fresh session or a continuation.
type Decision string

const (
	DecisionNew      Decision = "new"
	DecisionContinue Decision = "continue"
)

// Chain-step reasons reported alongside the decision.
const (
	ReasonExplicitReset = "explicit_reset"
	ReasonNoSession     = "no_session"
	ReasonSessionClosed = "session_closed"
	ReasonTimeout       = "timeout"
	ReasonTopicDrift    = "topic_drift"
	ReasonContinue      = "continue"
)

// LLM is the summarizer/classifier backend. Optional.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Resolver decides, for each inbound message, whether the conversation
// continues an existing session or starts a fresh one.
type Resolver struct {
	store        *store.Store
	clock        contracts.Clock
	llm          LLM
	timeout      time.Duration
	driftEnabled bool
}

// Option configures the resolver.
type Option func(*Resolver)

// WithTimeout overrides the idle window.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLLM attaches a model for summaries and drift classification.
func WithLLM(llm LLM) Option {
	return func(r *Resolver) { r.llm = llm }
}

// WithDriftClassifier enables the optional topic-drift step.
func WithDriftClassifier(enabled bool) Option {
	return func(r *Resolver) { r.driftEnabled = enabled }
}

// NewResolver creates a resolver.
func NewResolver(st *store.Store, clock contracts.Clock, opts ...Option) *Resolver {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	r := &Resolver{store: st, clock: clock, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolution is the resolver's answer.
type Resolution struct {
	Session  *contracts.Session `json:"session"`
	Decision Decision           `json:"decision"`
	Reason   string             `json:"reason"`
}

// normalizeMessage folds the message for reset-keyword comparison.
func normalizeMessage(msg string) string {
	folded := cases.Fold().String(norm.NFKC.String(msg))
	return strings.TrimSpace(folded)
}

// IsReset reports whether the message is an explicit reset command.
func IsReset(msg string) bool {
	return resetKeywords[normalizeMessage(msg)]
}

// Resolve runs the decision chain in order: explicit_reset, no_session,
// session_closed, timeout, topic_drift (optional), continue.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, channel, remoteJID, userMessage string) (*Resolution, error) {
	now := r.clock.Now()
	latest, err := r.store.LatestSession(ctx, workspaceID, channel, remoteJID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if IsReset(userMessage) {
		if latest != nil && latest.Status == contracts.SessionActive {
			if err := r.store.CloseSession(ctx, latest.SessionID); err != nil {
				return nil, fmt.Errorf("close session: %w", err)
			}
		}
		return r.fresh(ctx, workspaceID, channel, remoteJID, now, ReasonExplicitReset)
	}

	if latest == nil {
		return r.fresh(ctx, workspaceID, channel, remoteJID, now, ReasonNoSession)
	}
	if latest.Status == contracts.SessionClosed {
		return r.fresh(ctx, workspaceID, channel, remoteJID, now, ReasonSessionClosed)
	}
	if now.Sub(latest.LastMessageAt) > r.timeout {
		if err := r.store.CloseSession(ctx, latest.SessionID); err != nil {
			return nil, fmt.Errorf("close session: %w", err)
		}
		return r.fresh(ctx, workspaceID, channel, remoteJID, now, ReasonTimeout)
	}

	if r.driftEnabled && r.llm != nil {
		score, err := r.driftScore(ctx, latest.ContextSummary, userMessage)
		// Classifier failures never break resolution; the session simply
		// continues.
		if err == nil && score >= DriftThreshold {
			if err := r.store.CloseSession(ctx, latest.SessionID); err != nil {
				return nil, fmt.Errorf("close session: %w", err)
			}
			return r.fresh(ctx, workspaceID, channel, remoteJID, now, ReasonTopicDrift)
		}
	}

	if err := r.store.TouchSession(ctx, latest.SessionID, now); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	latest.LastMessageAt = now
	return &Resolution{Session: latest, Decision: DecisionContinue, Reason: ReasonContinue}, nil
}

func (r *Resolver) fresh(ctx context.Context, workspaceID, channel, remoteJID string, now time.Time, why string) (*Resolution, error) {
	sess := &contracts.Session{
		SessionID:     contracts.NewID("sess"),
		WorkspaceID:   workspaceID,
		Channel:       channel,
		RemoteJID:     remoteJID,
		Status:        contracts.SessionActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Resolution{Session: sess, Decision: DecisionNew, Reason: why}, nil
}

// Advance records an assistant turn: turn_count++, last_message_at, and a
// regenerated context summary under the character cap.
func (r *Resolver) Advance(ctx context.Context, sessionID, userMessage, assistantReply string) (*contracts.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, contracts.E(contracts.CodeSessionNotFound, "session %s", sessionID)
	}

	summary := r.summarize(ctx, sess.ContextSummary, userMessage, assistantReply)
	if err := r.store.AdvanceSession(ctx, sessionID, summary, r.clock.Now()); err != nil {
		return nil, fmt.Errorf("advance session: %w", err)
	}
	return r.store.GetSession(ctx, sessionID)
}

// summarize prefers the model, falling back to a deterministic template
// when no model is configured or the call fails.
func (r *Resolver) summarize(ctx context.Context, prior, userMessage, assistantReply string) string {
	if r.llm != nil {
		prompt := fmt.Sprintf(
			"Update this running conversation summary in under %d characters.\nCurrent summary: %s\nUser: %s\nAssistant: %s\nUpdated summary:",
			SummaryCap, prior, userMessage, assistantReply)
		if out, err := r.llm.Complete(ctx, prompt); err == nil && strings.TrimSpace(out) != "" {
			return capString(strings.TrimSpace(out), SummaryCap)
		}
	}
	base := prior
	if base != "" {
		base += " | "
	}
	return capString(base+"user: "+userMessage+" / assistant: "+assistantReply, SummaryCap)
}

// capString truncates to at most n bytes without splitting a rune.
func capString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
