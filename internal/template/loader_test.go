package template

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverun/hive/internal/common/apperr"
	"github.com/hiverun/hive/internal/common/logger"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const jsonConfig = `{
  "opencode": {"defaultProvider": "opencode", "defaultModel": "minimax-m2.1"},
  "promptSources": ["prompts/"],
  "templates": {
    "web-stack": {
      "label": "Web stack",
      "type": "process",
      "setup": ["bun install"],
      "services": {
        "web": {"run": "bun run dev", "readyTimeoutMs": 5000},
        "worker": {"run": "node worker.js", "env": {"QUEUE": "default"}}
      }
    }
  }
}`

func TestLoadJSONConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "hive.config.json", jsonConfig)

	loader := NewLoader(logger.Default())
	cfg, err := loader.Load(dir)
	require.NoError(t, err)

	require.NotNil(t, cfg.Opencode)
	assert.Equal(t, "minimax-m2.1", cfg.Opencode.DefaultModel)

	tpl, err := cfg.Template("web-stack")
	require.NoError(t, err)
	assert.Equal(t, "web-stack", tpl.ID)
	assert.Equal(t, "bun run dev", tpl.Services["web"].Run)
	require.NotNil(t, tpl.Services["web"].ReadyTimeoutMs)
	assert.Equal(t, 5000, *tpl.Services["web"].ReadyTimeoutMs)
}

func TestLoadJSONCStripsComments(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "hive.config.jsonc", `{
  // workspace defaults
  "templates": {
    "api": {"label": "API", "type": "process", /* inline */ "services": {"api": {"run": "go run ."}}}
  },
  "promptSources": ["https://example.com/a//b"]
}`)

	cfg, err := NewLoader(logger.Default()).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a//b"}, cfg.PromptSources)
	_, err = cfg.Template("api")
	assert.NoError(t, err)
}

func TestLoadYAMLFromNestedDir(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, filepath.Join("hive", "hive.config.yaml"), `
templates:
  jobs:
    label: Jobs
    type: process
    services:
      runner:
        run: python runner.py
`)

	cfg, err := NewLoader(logger.Default()).Load(dir)
	require.NoError(t, err)
	tpl, err := cfg.Template("jobs")
	require.NoError(t, err)
	assert.Equal(t, "python runner.py", tpl.Services["runner"].Run)
}

func TestTypeScriptConfigRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "hive.config.ts", "export default {}")

	_, err := NewLoader(logger.Default()).Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeScript")
}

func TestMissingConfig(t *testing.T) {
	_, err := NewLoader(logger.Default()).Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workspace config")
}

func TestUnknownTemplateIsNotFound(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "hive.config.json", `{"templates": {}}`)

	cfg, err := NewLoader(logger.Default()).Load(dir)
	require.NoError(t, err)
	_, err = cfg.Template("nope")
	assert.True(t, apperr.IsNotFound(err))
}

func TestCacheInvalidatesOnModTime(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "hive.config.json", `{"templates": {"a": {"label": "A", "type": "process"}}}`)

	loader := NewLoader(logger.Default())
	cfg1, err := loader.Load(dir)
	require.NoError(t, err)
	cfg2, err := loader.Load(dir)
	require.NoError(t, err)
	assert.Same(t, cfg1, cfg2)

	require.NoError(t, os.WriteFile(path, []byte(`{"templates": {"b": {"label": "B", "type": "process"}}}`), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	cfg3, err := loader.Load(dir)
	require.NoError(t, err)
	_, err = cfg3.Template("b")
	assert.NoError(t, err)
	_, err = cfg3.Template("a")
	assert.True(t, apperr.IsNotFound(err))
}

func TestNormalizeDefinitionDeterministic(t *testing.T) {
	def := &ServiceDefinition{
		Run: "bun run dev",
		Env: map[string]string{"B": "2", "A": "1"},
	}
	a, err := NormalizeDefinition(def)
	require.NoError(t, err)
	b, err := NormalizeDefinition(def)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
