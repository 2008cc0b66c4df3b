package mcp

import (
	"fmt"
	"sort"
)

// ServerConfig is one configured MCP server. Stdio servers set Command,
// HTTP servers set URL.
type ServerConfig struct {
	Type    string            `mapstructure:"type" yaml:"type,omitempty"`
	Command string            `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	URL     string            `mapstructure:"url" yaml:"url,omitempty"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	// Disabled servers stay in config but are not started.
	Disabled bool `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// TransportType returns the effective transport type for this server.
func (c *ServerConfig) TransportType() string {
	if c.Type == "http" || c.URL != "" {
		return "http"
	}
	return "stdio"
}

// Validate checks that the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Command != "" && c.URL != "" {
		return fmt.Errorf("cannot specify both url and command")
	}
	if c.TransportType() == "http" {
		if c.URL == "" {
			return fmt.Errorf("http transport requires url")
		}
		return nil
	}
	if c.Command == "" {
		return fmt.Errorf("stdio transport requires command")
	}
	return nil
}

// ServerNames returns the sorted names of the given servers.
func ServerNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
