package mcp

import (
	"context"
	"os"
	"strings"
	"testing"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStdioTransportInheritsEnv(t *testing.T) {
	t.Setenv("TEST_MCP_VAR", "original")
	client := NewClient("test", ServerConfig{
		Command: "echo",
		Args:    []string{"hello"},
		Env:     map[string]string{"CUSTOM_VAR": "custom_value", "TEST_MCP_VAR": "overridden"},
	})

	ct, ok := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)
	require.True(t, ok)

	env := ct.Command.Env
	hasPath := false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
	}
	if os.Getenv("PATH") != "" {
		assert.True(t, hasPath, "parent PATH not inherited")
	}
	assert.Contains(t, env, "CUSTOM_VAR=custom_value")
	// exec.Cmd keeps the last value of a duplicated key.
	assert.Equal(t, "TEST_MCP_VAR=overridden", lastWithPrefix(env, "TEST_MCP_VAR="))
}

func lastWithPrefix(env []string, prefix string) string {
	var found string
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			found = e
		}
	}
	return found
}

func TestCreateStdioTransportWithoutEnv(t *testing.T) {
	for _, env := range []map[string]string{nil, {}} {
		client := NewClient("test", ServerConfig{Command: "echo", Env: env})
		ct := client.createStdioTransport(context.Background()).(*sdkmcp.CommandTransport)
		assert.Nil(t, ct.Command.Env)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio", ServerConfig{Command: "srv"}, false},
		{"http", ServerConfig{URL: "http://localhost:9000/mcp"}, false},
		{"explicit http without url", ServerConfig{Type: "http"}, true},
		{"stdio without command", ServerConfig{}, true},
		{"both", ServerConfig{Command: "srv", URL: "http://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	err := NewClient("bad", ServerConfig{}).Start(context.Background())
	assert.ErrorContains(t, err, "stdio transport requires command")
}
