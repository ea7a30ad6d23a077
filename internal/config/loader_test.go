package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 20, cfg.Session.MaxIterations)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("json file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "hiplan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "`+dir+`",
			"session": {"max_iterations": 5, "capability_timeout": "2s"},
			"generation": {"provider": "anthropic", "model": "claude-sonnet-4-5", "api_key": "sk-ant-x"},
			"capabilities": {
				"providers": [{"name": "math", "type": "stdio", "command": "math-server", "env": ["API_TOKEN=abc"]}],
				"required": ["sum"]
			}
		}`), 0o644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Session.MaxIterations)
		assert.Equal(t, 2*time.Second, cfg.Session.CapabilityTimeout)
		assert.Equal(t, 10*time.Minute, cfg.Session.MaxDuration)
		assert.Equal(t, "anthropic", cfg.Generation.Provider)
		require.Len(t, cfg.Capabilities.Providers, 1)
		assert.Equal(t, []string{"API_TOKEN=abc"}, cfg.Capabilities.Providers[0].Env)
		assert.Equal(t, []string{"sum"}, cfg.Capabilities.Required)
		assert.Equal(t, filepath.Join(dir, "traces.db"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(dir, "hiplan.log"), cfg.Logging.File)
	})

	t.Run("yaml file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "hiplan.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
store:
  driver: postgres
  dsn: postgres://localhost/hiplan
session:
  max_duration: 90s
`), 0o644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Store.Driver)
		assert.Equal(t, 90*time.Second, cfg.Session.MaxDuration)
	})

	t.Run("env overrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "hiplan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`", "gateway": {"shared_secret": "file"}}`), 0o644))

		t.Setenv("HIPLAN_GATEWAY_SHARED_SECRET", "env")
		t.Setenv("HIPLAN_GENERATION_API_KEY", "sk-env")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "env", cfg.Gateway.SharedSecret)
		assert.Equal(t, "sk-env", cfg.Generation.APIKey)
	})

	t.Run("vendor api key fallback", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "hiplan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`", "generation": {"provider": "anthropic"}}`), 0o644))

		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-env", cfg.Generation.APIKey)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hiplan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/hiplan.json", NewLoader("/etc/hiplan.json").GetConfigPath())
	assert.Equal(t, DefaultPath(), NewLoader("").GetConfigPath())
}
