package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clawos/kernel/pkg/contracts"
)

// policyFile is the YAML shape of a risk-policy seed file:
//
//	policies:
//	  - action_type: run_shell
//	    workspace_id: "*"
//	    mode: block
//	    constraint: 'constraints.max_results <= 10'
type policyFile struct {
	Policies []struct {
		ActionType  string `yaml:"action_type"`
		WorkspaceID string `yaml:"workspace_id"`
		Mode        string `yaml:"mode"`
		Constraint  string `yaml:"constraint"`
	} `yaml:"policies"`
}

// LoadPolicySeeds parses the RISK_POLICY_FILE. A missing path returns nil.
func LoadPolicySeeds(path string, clock contracts.Clock) ([]*contracts.RiskPolicy, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	now := clock.Now()
	out := make([]*contracts.RiskPolicy, 0, len(pf.Policies))
	for i, p := range pf.Policies {
		if p.ActionType == "" {
			return nil, fmt.Errorf("policy %d: action_type is required", i)
		}
		mode := contracts.PolicyMode(p.Mode)
		switch mode {
		case contracts.ModeAuto, contracts.ModeAsk, contracts.ModeBlock:
		default:
			return nil, fmt.Errorf("policy %d: bad mode %q", i, p.Mode)
		}
		ws := p.WorkspaceID
		if ws == "" {
			ws = contracts.PolicyWildcard
		}
		out = append(out, &contracts.RiskPolicy{
			ActionType:  p.ActionType,
			WorkspaceID: ws,
			Mode:        mode,
			Constraint:  p.Constraint,
			UpdatedAt:   now,
		})
	}
	return out, nil
}
