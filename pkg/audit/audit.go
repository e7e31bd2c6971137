// Package audit emits the structured audit trail: one record per final
// action status and per worker lifecycle edge, with elapsed milliseconds.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// Recorder writes audit records through slog so they interleave with the
// rest of the kernel's logs and survive redirection.
type Recorder struct {
	log *slog.Logger
}

// New wraps a logger. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log.With("component", "audit")}
}

// Action records the final status of one action request.
func (r *Recorder) Action(ctx context.Context, requestID, agentID, actionType string, status contracts.ActionStatus, started time.Time) {
	r.log.InfoContext(ctx, "action",
		"request_id", requestID,
		"agent_id", agentID,
		"action_type", actionType,
		"status", string(status),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
}

// Worker records one worker lifecycle edge (started, completed, failed).
func (r *Recorder) Worker(ctx context.Context, subagentID, taskID, edge string, started time.Time) {
	r.log.InfoContext(ctx, "worker",
		"subagent_id", subagentID,
		"task_id", taskID,
		"edge", edge,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
}

// Decision records a human approval decision.
func (r *Recorder) Decision(ctx context.Context, kind, id, outcome string) {
	r.log.InfoContext(ctx, "decision", "kind", kind, "id", id, "outcome", outcome)
}
