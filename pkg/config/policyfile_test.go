package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/contracts"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicySeeds(t *testing.T) {
	path := writeSeedFile(t, `
policies:
  - action_type: run_shell
    mode: block
  - action_type: web_search
    workspace_id: ws-1
    mode: auto
    constraint: 'constraints.max_results <= 10'
`)

	seeds, err := LoadPolicySeeds(path, contracts.WallClock{})
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, contracts.ModeBlock, seeds[0].Mode)
	assert.Equal(t, contracts.PolicyWildcard, seeds[0].WorkspaceID)
	assert.Equal(t, "ws-1", seeds[1].WorkspaceID)
	assert.Equal(t, "constraints.max_results <= 10", seeds[1].Constraint)
}

func TestLoadPolicySeeds_EmptyPath(t *testing.T) {
	seeds, err := LoadPolicySeeds("", contracts.WallClock{})
	require.NoError(t, err)
	assert.Nil(t, seeds)
}

func TestLoadPolicySeeds_Validation(t *testing.T) {
	_, err := LoadPolicySeeds(writeSeedFile(t, `
policies:
  - action_type: run_shell
    mode: maybe
`), contracts.WallClock{})
	assert.ErrorContains(t, err, "bad mode")

	_, err = LoadPolicySeeds(writeSeedFile(t, `
policies:
  - mode: auto
`), contracts.WallClock{})
	assert.ErrorContains(t, err, "action_type is required")

	_, err = LoadPolicySeeds(filepath.Join(t.TempDir(), "missing.yaml"), contracts.WallClock{})
	assert.Error(t, err)
}
