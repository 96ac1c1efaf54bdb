package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/state"
)

func TestLoadBuiltInCatalog(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	for _, agentType := range []state.AgentType{state.AgentCodex, state.AgentClaude, state.AgentGemini, state.AgentNone} {
		p, ok := c.Lookup(agentType)
		require.True(t, ok, "missing profile for %s", agentType)
		assert.Equal(t, string(agentType), p.ID)
		assert.NotEmpty(t, p.DisplayName)
	}

	codex, _ := c.Lookup(state.AgentCodex)
	assert.Equal(t, "codex", codex.Command[0])

	shell, _ := c.Lookup(state.AgentNone)
	assert.Empty(t, shell.Command)
}

func TestLoadMergesOverridesByID(t *testing.T) {
	dir := t.TempDir()
	override := `profiles:
  - id: codex
    displayName: Codex Nightly
    command: ["codex-nightly"]
  - id: aider
    displayName: Aider
    command: ["aider", "--no-auto-commits"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.yaml"), []byte(override), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)

	codex, ok := c.Lookup(state.AgentCodex)
	require.True(t, ok)
	assert.Equal(t, "Codex Nightly", codex.DisplayName)
	assert.Equal(t, []string{"codex-nightly"}, codex.Command)

	aider, ok := c.Lookup(state.AgentType("aider"))
	require.True(t, ok)
	assert.Equal(t, []string{"aider", "--no-auto-commits"}, aider.Command)

	// Untouched defaults survive the merge.
	claude, ok := c.Lookup(state.AgentClaude)
	require.True(t, ok)
	assert.Equal(t, "claude", claude.Command[0])
}

func TestLoadRejectsMalformedOverrideFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.yaml"), []byte("profiles: [broken"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestAllPreservesDeclarationOrder(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	all := c.All()
	require.Len(t, all, 4)
	assert.Equal(t, "codex", all[0].ID)
	assert.Equal(t, "none", all[3].ID)
}
