package policy

import (
	"context"
	"fmt"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

// Defaults are the built-in wildcard policies seeded at boot. Operator
// edits win: seeding never overwrites an existing row.
func Defaults(now contracts.Clock) []*contracts.RiskPolicy {
	ts := now.Now()
	mk := func(action string, mode contracts.PolicyMode) *contracts.RiskPolicy {
		return &contracts.RiskPolicy{
			ActionType:  action,
			WorkspaceID: contracts.PolicyWildcard,
			Mode:        mode,
			UpdatedAt:   ts,
		}
	}
	return []*contracts.RiskPolicy{
		mk("web_search", contracts.ModeAuto),
		mk("echo", contracts.ModeAuto),
		mk("llm_call", contracts.ModeAuto),
		mk("read_file", contracts.ModeAuto),
		mk("run_shell", contracts.ModeAsk),
		mk("write_file", contracts.ModeAsk),
		mk("send_email", contracts.ModeAsk),
	}
}

// Seed writes the built-in defaults plus any file-provided seeds, skipping
// rows that already exist.
func Seed(ctx context.Context, st *store.Store, clock contracts.Clock, extra []*contracts.RiskPolicy) error {
	for _, p := range append(Defaults(clock), extra...) {
		if p.WorkspaceID == "" {
			p.WorkspaceID = contracts.PolicyWildcard
		}
		if err := st.SeedRiskPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s/%s: %w", p.ActionType, p.WorkspaceID, err)
		}
	}
	return nil
}
