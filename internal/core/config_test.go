package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenAbsent(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TESTFLEET_AGENT_TOKEN", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrency, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, "local", cfg.Runner.Kind)
	assert.Equal(t, 3, cfg.Fix.MaxAttempts)
	assert.Equal(t, "dir", cfg.Shards.Unit)
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigMergesFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TESTFLEET_AGENT_TOKEN", "from-env")

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  max_concurrency: 8
shards:
  count: 3
  unit: file
runner:
  kind: ssh
  group: ci
llm:
  model: local-model
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"),
		[]byte("OPENAI_API_KEY=sk-file\nTESTFLEET_AGENT_TOKEN=from-file\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 3, cfg.Shards.Count)
	assert.Equal(t, "file", cfg.Shards.Unit)
	assert.Equal(t, "ssh", cfg.Runner.Kind)
	assert.Equal(t, "ci", cfg.Runner.Group)
	assert.Equal(t, "local-model", cfg.LLM.Model)
	// Untouched sections keep their defaults.
	assert.NotEmpty(t, cfg.Runner.Command)
	assert.Equal(t, "sk-file", cfg.LLM.APIKey)
	// The environment wins over secrets.env.
	assert.Equal(t, "from-env", cfg.Runner.AgentToken)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"scheduler.max_concurrency": "scheduler:\n  max_concurrency: 0\n",
		"shards.count":              "shards:\n  count: 0\n",
		"shards.unit":               "shards:\n  unit: package\n",
		"fix.max_attempts":          "fix:\n  max_attempts: 0\n",
		"runner.kind":               "runner:\n  kind: docker\n",
	}
	for field, body := range cases {
		t.Run(field, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadConfig(path)
			require.Error(t, err)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, field, ce.Field)
		})
	}
}

func TestLoadSecretsEnvMissingFile(t *testing.T) {
	got, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadSecretsEnvParsesQuotesAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("# tokens\nA=1\nB=\"two words\"\n"), 0o600))
	got, err := LoadSecretsEnv(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two words"}, got)
}
