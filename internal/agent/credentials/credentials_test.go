package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStore(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMissingFileIsEmptyStore(t *testing.T) {
	store, err := Load(filepath.Join(t.TempDir(), "auth.json"))
	require.NoError(t, err)
	assert.False(t, store.Has("anthropic"))
}

func TestLoadEntries(t *testing.T) {
	path := writeStore(t, `{
		"anthropic": {"type": "api", "key": "sk-test"},
		"openai": {"type": "api", "token": "tok"},
		"github-copilot": {"type": "oauth"},
		"empty": {}
	}`)

	store, err := Load(path)
	require.NoError(t, err)
	assert.True(t, store.Has("anthropic"))
	assert.True(t, store.Has("openai"))
	assert.True(t, store.Has("github-copilot"))
	assert.False(t, store.Has("empty"))
	assert.False(t, store.Has("unknown"))
}

func TestMalformedStore(t *testing.T) {
	path := writeStore(t, `{not json`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestExemptProviders(t *testing.T) {
	assert.False(t, Required("zen"))
	assert.False(t, Required("opencode"))
	assert.False(t, Required(""))
	assert.True(t, Required("anthropic"))
}
