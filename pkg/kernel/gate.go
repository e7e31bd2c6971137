// Package kernel owns the setup/unlock gate and startup housekeeping.
// Until setup stores a recovery hash, every mutating endpoint except
// setup, unlock and health answers kernel_locked.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/store"
)

// OperatorSessionTTL bounds the dashboard JWT issued on unlock.
const OperatorSessionTTL = 12 * time.Hour

// Gate is the kernel lock.
type Gate struct {
	store *store.Store
	clock contracts.Clock
}

// NewGate creates the gate.
func NewGate(st *store.Store, clock contracts.Clock) *Gate {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Gate{store: st, clock: clock}
}

// SetupResult reports what Setup did.
type SetupResult struct {
	Initialized bool `json:"initialized"`
	AlreadySet  bool `json:"already_set"`
}

// Setup stores the recovery-phrase hash and generates the master key. The
// first write wins; repeat calls are no-ops regardless of the phrase, so
// setup cannot be hijacked after the fact.
func (g *Gate) Setup(ctx context.Context, phrase string) (*SetupResult, error) {
	if strings.TrimSpace(phrase) == "" {
		return nil, contracts.E(contracts.CodeMissingField, "recovery_phrase")
	}

	if _, err := crypto.EnsureMasterKey(ctx, g.store); err != nil {
		return nil, fmt.Errorf("ensure master key: %w", err)
	}

	_, exists, err := g.store.GetState(ctx, crypto.StateRecoveryHash)
	if err != nil {
		return nil, fmt.Errorf("load recovery hash: %w", err)
	}
	if exists {
		return &SetupResult{AlreadySet: true}, nil
	}
	if err := g.store.PutStateIfAbsent(ctx, crypto.StateRecoveryHash, crypto.HashPhrase(phrase)); err != nil {
		return nil, fmt.Errorf("store recovery hash: %w", err)
	}
	return &SetupResult{Initialized: true}, nil
}

// Locked reports whether setup has not yet run.
func (g *Gate) Locked(ctx context.Context) (bool, error) {
	_, exists, err := g.store.GetState(ctx, crypto.StateRecoveryHash)
	if err != nil {
		return true, fmt.Errorf("load recovery hash: %w", err)
	}
	return !exists, nil
}

// Unlock verifies the recovery phrase and issues an operator session JWT
// keyed by the stored hash.
func (g *Gate) Unlock(ctx context.Context, phrase string) (string, error) {
	stored, exists, err := g.store.GetState(ctx, crypto.StateRecoveryHash)
	if err != nil {
		return "", fmt.Errorf("load recovery hash: %w", err)
	}
	if !exists {
		return "", contracts.E(contracts.CodeKernelLocked, "setup has not run")
	}
	if !crypto.PhraseMatches(phrase, stored) {
		return "", contracts.E(contracts.CodeRecoveryPhraseMismatch, "recovery phrase")
	}

	now := g.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "operator",
		Issuer:    "clawos-kernel",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(OperatorSessionTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(stored))
	if err != nil {
		return "", fmt.Errorf("sign operator session: %w", err)
	}
	return signed, nil
}

// VerifyOperator validates an operator session JWT.
func (g *Gate) VerifyOperator(ctx context.Context, tokenString string) error {
	stored, exists, err := g.store.GetState(ctx, crypto.StateRecoveryHash)
	if err != nil {
		return fmt.Errorf("load recovery hash: %w", err)
	}
	if !exists {
		return contracts.E(contracts.CodeKernelLocked, "setup has not run")
	}

	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(stored), nil
	}, jwt.WithTimeFunc(g.clock.Now))
	if err != nil || !parsed.Valid {
		return contracts.E(contracts.CodeBadToken, "operator session")
	}
	return nil
}
