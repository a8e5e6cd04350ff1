package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/core"
)

func TestValues_ZeroValueIsUsable(t *testing.T) {
	var v core.Values
	assert.False(t, v.Dirty())

	_, ok := v.Get("missing")
	assert.False(t, ok)
	v.Delete("missing")
	assert.False(t, v.Dirty())

	v.Set(core.StateKey(core.ProviderGitHub), "s1")
	val, ok := v.Get("github_oauth_state")
	require.True(t, ok)
	assert.Equal(t, "s1", val)
	assert.True(t, v.Dirty())
	assert.Equal(t, map[string]string{"github_oauth_state": "s1"}, v.Snapshot())
}

func TestValues_DeleteMarksDirty(t *testing.T) {
	v := core.NewValues(map[string]string{core.CodeVerifierKey: "v"})
	assert.False(t, v.Dirty())

	v.Delete(core.CodeVerifierKey)
	assert.True(t, v.Dirty())
	assert.Empty(t, v.Snapshot())
}
