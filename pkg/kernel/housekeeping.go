package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clawos/kernel/pkg/config"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/policy"
	"github.com/clawos/kernel/pkg/store"
)

// Housekeep runs the boot sequence: purge expired tokens, seed risk
// policies (file seeds on top of built-ins), ensure the master key.
// Production mode fails closed when setup has not run.
func Housekeep(ctx context.Context, st *store.Store, cfg *config.Config, clock contracts.Clock, log *slog.Logger) error {
	purged, err := st.PurgeExpiredTokens(ctx, clock.Now())
	if err != nil {
		return fmt.Errorf("purge expired tokens: %w", err)
	}
	if purged > 0 {
		log.Info("purged expired tokens", "count", purged)
	}

	seeds, err := config.LoadPolicySeeds(cfg.RiskPolicyFile, clock)
	if err != nil {
		return err
	}
	if err := policy.Seed(ctx, st, clock, seeds); err != nil {
		return err
	}

	if _, err := crypto.EnsureMasterKey(ctx, st); err != nil {
		return fmt.Errorf("ensure master key: %w", err)
	}

	if cfg.Production() {
		_, hasHash, err := st.GetState(ctx, crypto.StateRecoveryHash)
		if err != nil {
			return fmt.Errorf("load recovery hash: %w", err)
		}
		if !hasHash {
			return fmt.Errorf("production kernel requires completed setup (recovery hash missing)")
		}
	}
	return nil
}
