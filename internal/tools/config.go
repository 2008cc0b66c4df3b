package tools

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Config holds configuration for the local tool system.
type Config struct {
	Enabled             []string `mapstructure:"enabled" yaml:"enabled"`
	AutoExec            []string `mapstructure:"auto_exec" yaml:"auto_exec"`
	RequireConfirmation []string `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	MaxIterations       int      `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxOutputBytes      int64    `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	MaxLines            int      `mapstructure:"max_lines" yaml:"max_lines"`
}

// DefaultMaxIterations bounds the tool loop when config leaves it unset.
const DefaultMaxIterations = 20

// DefaultConfig enables every built-in tool and requires confirmation for
// the execute kind.
func DefaultConfig() Config {
	limits := DefaultOutputLimits()
	var confirm []string
	for _, name := range AllToolNames() {
		if GetToolKind(name) == KindExecute {
			confirm = append(confirm, name)
		}
	}
	return Config{
		Enabled:             AllToolNames(),
		AutoExec:            []string{},
		RequireConfirmation: confirm,
		MaxIterations:       DefaultMaxIterations,
		MaxOutputBytes:      limits.MaxBytes,
		MaxLines:            limits.MaxLines,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() []error {
	var errs []error
	for _, name := range c.Enabled {
		if !ValidToolName(name) {
			errs = append(errs, fmt.Errorf("unknown tool: %s", name))
		}
	}
	for _, list := range [][]string{c.AutoExec, c.RequireConfirmation} {
		for _, pattern := range list {
			if _, err := glob.Compile(pattern); err != nil {
				errs = append(errs, fmt.Errorf("invalid tool pattern %q: %w", pattern, err))
			}
		}
	}
	if c.MaxIterations < -1 {
		errs = append(errs, fmt.Errorf("max_iterations must be -1 or greater, got %d", c.MaxIterations))
	}
	return errs
}

// IsToolEnabled checks if a tool is enabled.
func (c *Config) IsToolEnabled(name string) bool {
	for _, n := range c.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// Limits returns the output limits derived from the config.
func (c *Config) Limits() OutputLimits {
	limits := DefaultOutputLimits()
	if c.MaxOutputBytes > 0 {
		limits.MaxBytes = c.MaxOutputBytes
	}
	if c.MaxLines > 0 {
		limits.MaxLines = c.MaxLines
	}
	return limits
}

// OutputLimits defines limits for tool output.
type OutputLimits struct {
	MaxLines   int
	MaxBytes   int64
	MaxResults int
}

// DefaultOutputLimits returns the default output limits.
func DefaultOutputLimits() OutputLimits {
	return OutputLimits{
		MaxLines:   2000,
		MaxBytes:   50 * 1024,
		MaxResults: defaultGlobResults,
	}
}
