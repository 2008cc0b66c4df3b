package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/logging"
	"github.com/samsaffron/toolloop/internal/mcp"
	"github.com/samsaffron/toolloop/internal/session"
	"github.com/samsaffron/toolloop/internal/tools"
)

type Config struct {
	DefaultProvider string                        `mapstructure:"default_provider" yaml:"default_provider"`
	Providers       map[string]llm.ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Tools           tools.Config                  `mapstructure:"tools" yaml:"tools"`
	Checkpoints     CheckpointConfig              `mapstructure:"checkpoints" yaml:"checkpoints"`
	Prompt          PromptConfig                  `mapstructure:"prompt" yaml:"prompt,omitempty"`
	Session         session.Config                `mapstructure:"session" yaml:"session,omitempty"`
	MCP             MCPConfig                     `mapstructure:"mcp" yaml:"mcp,omitempty"`
	Log             logging.Config                `mapstructure:"log" yaml:"log"`
}

// CheckpointConfig selects when history checkpoints are recorded.
type CheckpointConfig struct {
	BeforeModel bool `mapstructure:"before_model" yaml:"before_model"`
	AfterModel  bool `mapstructure:"after_model" yaml:"after_model"`
	BeforeTools bool `mapstructure:"before_tools" yaml:"before_tools"`
	AfterTools  bool `mapstructure:"after_tools" yaml:"after_tools"`
	// OuterLayerOnly limits before-model checkpoints to the first iteration
	// of a turn.
	OuterLayerOnly bool `mapstructure:"outer_layer_only" yaml:"outer_layer_only"`
}

type PromptConfig struct {
	Instructions string `mapstructure:"instructions" yaml:"instructions,omitempty"` // replaces the default system prompt
	Context      string `mapstructure:"context" yaml:"context,omitempty"`           // extra line in the environment block
}

type MCPConfig struct {
	Servers map[string]mcp.ServerConfig `mapstructure:"servers" yaml:"servers,omitempty"`
}

// builtinProviders are present unless the config file overrides them.
var builtinProviders = map[string]llm.ProviderConfig{
	"anthropic":   {Type: "anthropic", Model: "claude-sonnet-4-5", Enabled: true},
	"openai":      {Type: "openai-responses", Model: "gpt-5.2", Enabled: true},
	"openai-chat": {Type: "openai", Model: "gpt-5.2", Enabled: true},
	"gemini":      {Type: "gemini", Model: "gemini-3-flash-preview", Enabled: true},
	"ollama":      {Type: "openai", Model: "llama3.2", URL: "http://localhost:11434/v1", ToolMode: "xml"},
}

// apiKeyEnv is the fallback variable for an empty api_key, by provider type.
var apiKeyEnv = map[string]string{
	"anthropic":        "ANTHROPIC_API_KEY",
	"openai":           "OPENAI_API_KEY",
	"openai-responses": "OPENAI_API_KEY",
	"gemini":           "GEMINI_API_KEY",
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	setDefaults(v)

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads the config from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

// Defaults returns the configuration with no file applied.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_provider", "anthropic")
	for name, p := range builtinProviders {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"type", p.Type)
		v.SetDefault(prefix+"model", p.Model)
		v.SetDefault(prefix+"enabled", p.Enabled)
		if p.URL != "" {
			v.SetDefault(prefix+"url", p.URL)
		}
		if p.ToolMode != "" {
			v.SetDefault(prefix+"tool_mode", p.ToolMode)
		}
	}

	toolDefaults := tools.DefaultConfig()
	v.SetDefault("tools.enabled", toolDefaults.Enabled)
	v.SetDefault("tools.auto_exec", toolDefaults.AutoExec)
	v.SetDefault("tools.require_confirmation", toolDefaults.RequireConfirmation)
	v.SetDefault("tools.max_iterations", toolDefaults.MaxIterations)
	v.SetDefault("tools.max_output_bytes", toolDefaults.MaxOutputBytes)
	v.SetDefault("tools.max_lines", toolDefaults.MaxLines)

	v.SetDefault("checkpoints.before_model", true)
	v.SetDefault("checkpoints.after_model", false)
	v.SetDefault("checkpoints.before_tools", true)
	v.SetDefault("checkpoints.after_tools", false)
	v.SetDefault("checkpoints.outer_layer_only", true)

	v.SetDefault("session.max_age_days", 0)
	v.SetDefault("session.max_count", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolve()
	return &cfg, nil
}

// resolve fills provider names and expands environment references.
func (c *Config) resolve() {
	for name, p := range c.Providers {
		p.Name = name
		p.URL = expandEnv(p.URL)
		p.APIKey = expandEnv(p.APIKey)
		if p.APIKey == "" {
			if env := apiKeyEnv[p.Type]; env != "" {
				p.APIKey = os.Getenv(env)
			}
		}
		if len(p.CustomHeaders) > 0 {
			headers := make(map[string]string, len(p.CustomHeaders))
			for k, val := range p.CustomHeaders {
				headers[k] = expandEnv(val)
			}
			p.CustomHeaders = headers
		}
		c.Providers[name] = p
	}
	for name, s := range c.MCP.Servers {
		s.URL = expandEnv(s.URL)
		for k, val := range s.Headers {
			s.Headers[k] = expandEnv(val)
		}
		// viper lowercases map keys; environment names are conventionally upper case.
		env := make(map[string]string, len(s.Env))
		for k, val := range s.Env {
			env[strings.ToUpper(k)] = expandEnv(val)
		}
		if len(env) > 0 {
			s.Env = env
		}
		c.MCP.Servers[name] = s
	}
	c.Session.Path = expandEnv(c.Session.Path)
}

// Validate reports every configuration problem found.
func (c *Config) Validate() []error {
	var errs []error
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		errs = append(errs, fmt.Errorf("default_provider %q is not configured", c.DefaultProvider))
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if _, err := llm.FormatFor(p.Type); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: unknown type %q", name, p.Type))
		}
		if !validToolMode(p.ToolMode) {
			errs = append(errs, fmt.Errorf("provider %s: unknown tool_mode %q", name, p.ToolMode))
		}
	}
	errs = append(errs, c.Tools.Validate()...)
	return errs
}

func validToolMode(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "xml", "tag", "tagged", "json", "marker":
		return true
	}
	return false
}

// Provider returns the named provider, or the default one for an empty
// name.
func (c *Config) Provider(name string) (llm.ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return llm.ProviderConfig{}, llm.NewError(llm.CodeConfigNotFound, "provider %q is not configured", name)
	}
	p.Name = name
	return p, nil
}

// ProviderNames returns the configured provider names in order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the default provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.DefaultProvider = provider
	}
	if model != "" {
		if p, ok := c.Providers[c.DefaultProvider]; ok {
			p.Model = model
			c.Providers[c.DefaultProvider] = p
		}
	}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for toolloop.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "toolloop"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "toolloop"), nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Exists checks if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes the config to path, or to the default config path when path
// is empty. API keys are written as given, so callers should keep ${VAR}
// references rather than resolved secrets.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
