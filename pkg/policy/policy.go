// Package policy resolves per-action risk modes (auto / ask / block) and
// grades requested capability scopes. Workspace-specific rows beat the
// wildcard row; the static default depends on whether the handler writes.
package policy

import (
	"context"
	"fmt"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

// Tool risk catalog. Unknown tools grade MEDIUM so a typo never slips
// through as LOW.
var toolRisk = map[string]contracts.RiskLevel{
	"run_shell":  contracts.RiskHigh,
	"write_file": contracts.RiskHigh,
	"send_email": contracts.RiskHigh,
	"read_file":  contracts.RiskMedium,
	"llm_call":   contracts.RiskMedium,
	"web_search": contracts.RiskLow,
	"echo":       contracts.RiskLow,
}

// Tools that cause external side effects. Drives the static default mode.
var toolWrites = map[string]bool{
	"run_shell":  true,
	"write_file": true,
	"send_email": true,
}

// RiskOf returns the catalog risk of a tool.
func RiskOf(tool string) contracts.RiskLevel {
	if r, ok := toolRisk[tool]; ok {
		return r
	}
	return contracts.RiskMedium
}

// Writes reports whether a tool is a writing handler.
func Writes(tool string) bool { return toolWrites[tool] }

// Evaluation is the outcome of grading a scope.
type Evaluation struct {
	Blocked          bool                `json:"blocked"`
	BlockedTool      string              `json:"blocked_tool,omitempty"`
	ApprovalRequired bool                `json:"approval_required"`
	RiskLevel        contracts.RiskLevel `json:"risk_level"`
}

// Engine resolves modes against the risk-policy table.
type Engine struct {
	store *store.Store
	clock contracts.Clock
	cel   *constraintCache
}

// NewEngine creates a policy engine.
func NewEngine(st *store.Store, clock contracts.Clock) *Engine {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Engine{store: st, clock: clock, cel: newConstraintCache()}
}

// ResolveMode returns the policy mode for (actionType, workspace).
// Resolution order: exact row, wildcard row, static default (auto for
// non-writing handlers, ask for writing ones).
func (e *Engine) ResolveMode(ctx context.Context, actionType, workspaceID string, writes bool) (contracts.PolicyMode, error) {
	p, err := e.lookupPolicy(ctx, actionType, workspaceID)
	if err != nil {
		return "", err
	}
	if p != nil {
		return p.Mode, nil
	}
	if writes {
		return contracts.ModeAsk, nil
	}
	return contracts.ModeAuto, nil
}

func (e *Engine) lookupPolicy(ctx context.Context, actionType, workspaceID string) (*contracts.RiskPolicy, error) {
	p, err := e.store.GetRiskPolicy(ctx, actionType, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if p != nil {
		return p, nil
	}
	p, err = e.store.GetRiskPolicy(ctx, actionType, contracts.PolicyWildcard)
	if err != nil {
		return nil, fmt.Errorf("load wildcard policy: %w", err)
	}
	return p, nil
}

// EvaluateScope grades a requested scope for a workspace. A blocked tool
// short-circuits; otherwise an ask-mode tool (or a failing CEL constraint)
// requires approval at the risk of the riskiest tool; a fully auto scope is
// approved LOW.
func (e *Engine) EvaluateScope(ctx context.Context, workspaceID string, scope contracts.Scope) (*Evaluation, error) {
	ev := &Evaluation{RiskLevel: contracts.RiskLow}

	maxRisk := contracts.RiskLow
	for _, tool := range scope.AllowedTools {
		if r := RiskOf(tool); r.Exceeds(maxRisk) {
			maxRisk = r
		}

		p, err := e.lookupPolicy(ctx, tool, workspaceID)
		if err != nil {
			return nil, err
		}

		mode := contracts.ModeAuto
		if Writes(tool) {
			mode = contracts.ModeAsk
		}
		constraint := ""
		if p != nil {
			mode = p.Mode
			constraint = p.Constraint
		}

		switch mode {
		case contracts.ModeBlock:
			return &Evaluation{Blocked: true, BlockedTool: tool, RiskLevel: RiskOf(tool)}, nil
		case contracts.ModeAsk:
			ev.ApprovalRequired = true
		case contracts.ModeAuto:
			if constraint != "" {
				ok, err := e.cel.eval(constraint, tool, workspaceID, scope.ResourceConstraints)
				if err != nil {
					return nil, contracts.E(contracts.CodeBadRequest, "policy constraint for %s: %v", tool, err)
				}
				// An auto tool outside its constraint envelope is
				// downgraded to ask, not silently allowed.
				if !ok {
					ev.ApprovalRequired = true
				}
			}
		}
	}

	// The reported risk is the riskiest tool anywhere in the scope,
	// regardless of which tool tripped the gate.
	if ev.ApprovalRequired {
		ev.RiskLevel = maxRisk
	}
	return ev, nil
}
