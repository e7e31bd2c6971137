package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_SubsetOf(t *testing.T) {
	parent := Scope{AllowedTools: []string{"web_search", "read_file"}}

	assert.True(t, Scope{AllowedTools: []string{"web_search"}}.SubsetOf(parent))
	assert.True(t, Scope{}.SubsetOf(parent))
	assert.False(t, Scope{AllowedTools: []string{"run_shell"}}.SubsetOf(parent))
	assert.False(t, Scope{AllowedTools: []string{"web_search", "run_shell"}}.SubsetOf(parent))

	// Everything is a subset of itself; nothing but the empty scope is a
	// subset of the empty scope.
	assert.True(t, parent.SubsetOf(parent))
	assert.False(t, parent.SubsetOf(Scope{}))
}

func TestScope_Allows(t *testing.T) {
	s := Scope{AllowedTools: []string{"echo"}}
	assert.True(t, s.Allows("echo"))
	assert.False(t, s.Allows("run_shell"))
	assert.False(t, Scope{}.Allows("echo"))
}

func TestEncodeDecodeJSON_Versioned(t *testing.T) {
	in := Scope{AllowedTools: []string{"echo"}, ResourceConstraints: map[string]any{"max_results": float64(3)}}
	blob, err := EncodeJSON(in)
	require.NoError(t, err)
	assert.Contains(t, blob, `"schema_version":"`+SchemaVersion+`"`)

	var out Scope
	require.NoError(t, DecodeJSON(blob, &out))
	assert.Equal(t, in.AllowedTools, out.AllowedTools)

	// Pre-versioning rows decode directly.
	var legacy Scope
	require.NoError(t, DecodeJSON(`{"allowed_tools":["web_search"]}`, &legacy))
	assert.Equal(t, []string{"web_search"}, legacy.AllowedTools)

	// A future major version is refused.
	var refused Scope
	err = DecodeJSON(`{"schema_version":"2.0.0","value":{}}`, &refused)
	assert.Error(t, err)
}

func TestNewID_PrefixAndUniqueness(t *testing.T) {
	a, b := NewID("dct"), NewID("dct")
	assert.True(t, len(a) > 4)
	assert.Contains(t, a, "dct_")
	assert.NotEqual(t, a, b)
}

func TestErrorHelpers(t *testing.T) {
	err := E(CodeConflict, "request %s", "req-1")
	assert.True(t, IsCode(err, CodeConflict))
	assert.Equal(t, CodeConflict, CodeOf(err))
	assert.Contains(t, err.Error(), "req-1")

	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))
	assert.Equal(t, Code("subagent_already_finished"), SubagentAlready(SubagentFinished))
	assert.Equal(t, Code("already_approved"), AlreadyDecided("approved"))
}
