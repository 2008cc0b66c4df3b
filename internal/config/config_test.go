package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsaffron/toolloop/internal/llm"
)

const sampleConfig = `default_provider: local
providers:
  local:
    type: openai
    url: ${LOCAL_URL}
    model: qwen
    enabled: true
    tool_mode: xml
    api_key: $LOCAL_KEY
    max_context_tokens: 32000
    context_threshold_enabled: true
    context_threshold: "80%"
    custom_headers:
      x-team: ${TEAM}
tools:
  auto_exec: ["read_file", "glob"]
  max_iterations: 5
checkpoints:
  outer_layer_only: false
mcp:
  servers:
    fs:
      command: mcp-fs
      env:
        ROOT: ${ROOT_DIR}
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Chdir(t.TempDir())
	dir := filepath.Join(home, "toolloop")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadReadsFileAndExpandsEnv(t *testing.T) {
	writeConfig(t, sampleConfig)
	t.Setenv("LOCAL_URL", "http://127.0.0.1:8080/v1")
	t.Setenv("LOCAL_KEY", "sk-local")
	t.Setenv("TEAM", "infra")
	t.Setenv("ROOT_DIR", "/srv")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Validate())

	p, err := cfg.Provider("")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name)
	assert.Equal(t, "http://127.0.0.1:8080/v1", p.URL)
	assert.Equal(t, "sk-local", p.APIKey)
	assert.Equal(t, llm.ToolModeXML, p.Mode())
	assert.Equal(t, 32000, p.MaxContextTokens)
	assert.Equal(t, "80%", p.ContextThreshold)
	assert.Equal(t, map[string]string{"x-team": "infra"}, p.CustomHeaders)

	anthropic, err := cfg.Provider("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", anthropic.APIKey)
	assert.Equal(t, "claude-sonnet-4-5", anthropic.Model)

	assert.Equal(t, []string{"read_file", "glob"}, cfg.Tools.AutoExec)
	assert.Equal(t, []string{"execute_command"}, cfg.Tools.RequireConfirmation)
	assert.Equal(t, 5, cfg.Tools.MaxIterations)
	assert.True(t, cfg.Checkpoints.BeforeModel)
	assert.False(t, cfg.Checkpoints.OuterLayerOnly)
	assert.Equal(t, map[string]string{"ROOT": "/srv"}, cfg.MCP.Servers["fs"].Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.DefaultProvider)
	assert.Contains(t, cfg.ProviderNames(), "gemini")
	assert.False(t, cfg.Providers["ollama"].Enabled)
	assert.Equal(t, 20, cfg.Tools.MaxIterations)
	assert.True(t, cfg.Checkpoints.OuterLayerOnly)
	assert.Empty(t, cfg.Validate())
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	writeConfig(t, "providers: [unterminated")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestProviderNotFound(t *testing.T) {
	cfg := &Config{Providers: map[string]llm.ProviderConfig{}}
	_, err := cfg.Provider("missing")
	assert.Equal(t, llm.CodeConfigNotFound, llm.CodeOf(err))
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		DefaultProvider: "nope",
		Providers: map[string]llm.ProviderConfig{
			"a": {Type: "carrier-pigeon"},
			"b": {Type: "openai", ToolMode: "smoke-signals"},
		},
	}
	errs := cfg.Validate()
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), `default_provider "nope"`)
	assert.Contains(t, errs[1].Error(), `unknown type "carrier-pigeon"`)
	assert.Contains(t, errs[2].Error(), `unknown tool_mode "smoke-signals"`)
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		DefaultProvider: "anthropic",
		Providers: map[string]llm.ProviderConfig{
			"anthropic": {Model: "claude-sonnet-4-5"},
			"openai":    {Model: "gpt-5.2"},
		},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.Equal(t, "gpt-4o", cfg.Providers["openai"].Model)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Providers["anthropic"].Model)

	cfg.ApplyOverrides("", "gpt-4.1")
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.Equal(t, "gpt-4.1", cfg.Providers["openai"].Model)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := &Config{
		DefaultProvider: "local",
		Providers: map[string]llm.ProviderConfig{
			"local": {Type: "gemini", Model: "gemini-2.5-pro", Enabled: true, APIKey: "${GEMINI_KEY}"},
		},
		Checkpoints: CheckpointConfig{AfterTools: true},
	}
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	t.Setenv("GEMINI_KEY", "sk-gem")
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	p, err := loaded.Provider("")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", p.Model)
	assert.Equal(t, "sk-gem", p.APIKey)
	assert.True(t, loaded.Checkpoints.AfterTools)
}

func TestSettings(t *testing.T) {
	cfg := &Config{}
	cfg.Tools.AutoExec = []string{"read_*"}
	cfg.Tools.RequireConfirmation = []string{"read_secrets"}
	cfg.Checkpoints = CheckpointConfig{BeforeModel: true, OuterLayerOnly: true, AfterTools: true}

	s, err := NewSettings(cfg)
	require.NoError(t, err)
	assert.True(t, s.IsToolAutoExec("read_file"))
	assert.False(t, s.IsToolAutoExec("read_secrets"))
	assert.False(t, s.IsToolAutoExec("execute_command"))
	assert.Equal(t, 20, s.MaxToolIterations())

	assert.True(t, s.ShouldCreateBeforeModelCheckpoint(1))
	assert.False(t, s.ShouldCreateBeforeModelCheckpoint(2))
	assert.False(t, s.ShouldCreateAfterModelCheckpoint())
	assert.False(t, s.ShouldCreateBeforeToolCheckpoint())
	assert.True(t, s.ShouldCreateAfterToolCheckpoint())

	cfg.Checkpoints.OuterLayerOnly = false
	cfg.Tools.MaxIterations = -1
	s, err = NewSettings(cfg)
	require.NoError(t, err)
	assert.True(t, s.ShouldCreateBeforeModelCheckpoint(7))
	assert.Equal(t, -1, s.MaxToolIterations())

	cfg.Tools.AutoExec = []string{"[unclosed"}
	_, err = NewSettings(cfg)
	assert.Error(t, err)
}
