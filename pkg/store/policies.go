package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/clawos/kernel/pkg/contracts"
)

// UpsertRiskPolicy writes a risk-policy row.
func (s *Store) UpsertRiskPolicy(ctx context.Context, p *contracts.RiskPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_policies (action_type, workspace_id, mode, constraint_expr, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (action_type, workspace_id) DO UPDATE SET
			mode = excluded.mode,
			constraint_expr = excluded.constraint_expr,
			updated_at = excluded.updated_at`,
		p.ActionType, p.WorkspaceID, string(p.Mode), nullable(p.Constraint), fmtTime(p.UpdatedAt))
	return err
}

// SeedRiskPolicy writes a policy only when no row exists, so operator
// overrides survive restarts.
func (s *Store) SeedRiskPolicy(ctx context.Context, p *contracts.RiskPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_policies (action_type, workspace_id, mode, constraint_expr, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (action_type, workspace_id) DO NOTHING`,
		p.ActionType, p.WorkspaceID, string(p.Mode), nullable(p.Constraint), fmtTime(p.UpdatedAt))
	return err
}

// GetRiskPolicy returns the exact (action_type, workspace) row, or nil.
func (s *Store) GetRiskPolicy(ctx context.Context, actionType, workspaceID string) (*contracts.RiskPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_type, workspace_id, mode, constraint_expr, updated_at
		FROM risk_policies WHERE action_type = ? AND workspace_id = ?`,
		actionType, workspaceID)
	p, err := scanRiskPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ListRiskPolicies returns every policy row.
func (s *Store) ListRiskPolicies(ctx context.Context) ([]*contracts.RiskPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, workspace_id, mode, constraint_expr, updated_at
		FROM risk_policies ORDER BY action_type, workspace_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RiskPolicy
	for rows.Next() {
		p, err := scanRiskPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanRiskPolicy(row scanner) (*contracts.RiskPolicy, error) {
	var p contracts.RiskPolicy
	var mode, updatedAt string
	var constraint sql.NullString
	if err := row.Scan(&p.ActionType, &p.WorkspaceID, &mode, &constraint, &updatedAt); err != nil {
		return nil, err
	}
	p.Mode = contracts.PolicyMode(mode)
	p.Constraint = constraint.String
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
