// Package mcp bridges tool calls named mcp__<server>__<tool> to MCP
// servers.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/tools"
)

// ToolPrefix starts every bridged tool name.
const ToolPrefix = "mcp__"

// ServerStatus represents the current state of an MCP server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusFailed   ServerStatus = "failed"
)

// ServerState holds the state of a managed MCP server.
type ServerState struct {
	Name   string
	Status ServerStatus
	Error  error
	Client *Client
}

// Manager handles MCP server lifecycle and routes tool calls.
type Manager struct {
	servers  map[string]ServerConfig
	statuses map[string]*ServerState
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewManager creates a manager for the configured servers.
func NewManager(servers map[string]ServerConfig, log zerolog.Logger) *Manager {
	if servers == nil {
		servers = map[string]ServerConfig{}
	}
	return &Manager{
		servers:  servers,
		statuses: make(map[string]*ServerState),
		log:      log,
	}
}

// AvailableServers returns the names of all configured servers.
func (m *Manager) AvailableServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ServerNames(m.servers)
}

// ServerStatus returns the current status of a server.
func (m *Manager) ServerStatus(name string) (ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.statuses[name]
	if !ok {
		return StatusStopped, nil
	}
	return state.Status, state.Error
}

// StartAll starts every enabled server. A server that fails to start is
// logged and marked failed; the others keep running.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.AvailableServers() {
		m.mu.RLock()
		disabled := m.servers[name].Disabled
		m.mu.RUnlock()
		if disabled {
			continue
		}
		if err := m.Enable(ctx, name); err != nil {
			m.log.Warn().Err(err).Str("server", name).Msg("MCP server failed to start")
		}
	}
}

// Enable starts a configured server and waits until its tools are listed.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown MCP server: %s", name)
	}
	client := NewClient(name, cfg)
	return m.attach(ctx, name, client, func(ctx context.Context) error { return client.Start(ctx) })
}

// Attach connects a server over an explicit transport, bypassing config.
func (m *Manager) Attach(ctx context.Context, name string, transport mcp.Transport) error {
	client := NewClient(name, ServerConfig{})
	return m.attach(ctx, name, client, func(ctx context.Context) error { return client.Connect(ctx, transport) })
}

func (m *Manager) attach(ctx context.Context, name string, client *Client, start func(context.Context) error) error {
	if strings.Contains(name, "__") {
		return fmt.Errorf("MCP server name %q must not contain \"__\"", name)
	}

	m.mu.Lock()
	if state, ok := m.statuses[name]; ok && state.Status == StatusReady {
		m.mu.Unlock()
		return nil
	}
	state := &ServerState{Name: name, Status: StatusStarting, Client: client}
	m.statuses[name] = state
	m.mu.Unlock()

	err := start(ctx)

	m.mu.Lock()
	if err != nil {
		state.Status = StatusFailed
		state.Error = err
	} else {
		state.Status = StatusReady
		state.Error = nil
	}
	m.mu.Unlock()

	if err == nil {
		m.log.Debug().Str("server", name).Int("tools", len(client.Tools())).Msg("MCP server ready")
	}
	return err
}

// Disable stops an MCP server.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	state, ok := m.statuses[name]
	if !ok || state.Client == nil {
		m.mu.Unlock()
		return nil
	}
	client := state.Client
	state.Status = StatusStopped
	state.Error = nil
	state.Client = nil
	m.mu.Unlock()

	return client.Stop()
}

// StopAll stops all running MCP servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var clients []*Client
	for _, state := range m.statuses {
		if state.Client != nil {
			clients = append(clients, state.Client)
		}
	}
	m.statuses = make(map[string]*ServerState)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(); err != nil {
			m.log.Debug().Err(err).Str("server", c.Name()).Msg("MCP server stop failed")
		}
	}
}

// AllTools returns the tools of all ready servers under their bridged
// names, sorted by name.
func (m *Manager) AllTools() []llm.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var specs []llm.ToolSpec
	for name, state := range m.statuses {
		if state.Status != StatusReady || state.Client == nil {
			continue
		}
		for _, tool := range state.Client.Tools() {
			specs = append(specs, llm.ToolSpec{
				Name:        ToolName(name, tool.Name),
				Description: fmt.Sprintf("[%s] %s", name, tool.Description),
				Schema:      tool.Schema,
			})
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// CallTool routes a bridged tool call to its server.
func (m *Manager) CallTool(ctx context.Context, fullName string, args map[string]any) (tools.Output, error) {
	serverName, toolName, ok := ParseToolName(fullName)
	if !ok {
		return tools.Output{}, fmt.Errorf("invalid MCP tool name: %s (expected mcp__server__tool)", fullName)
	}

	m.mu.RLock()
	state, found := m.statuses[serverName]
	m.mu.RUnlock()
	if !found || state.Status != StatusReady || state.Client == nil {
		return tools.Output{}, fmt.Errorf("MCP server %s is not running", serverName)
	}
	return state.Client.CallTool(ctx, toolName, args)
}

// ToolName builds the bridged name of a server tool.
func ToolName(server, tool string) string {
	return ToolPrefix + server + "__" + tool
}

// IsToolName reports whether name follows the bridged naming scheme.
func IsToolName(name string) bool {
	_, _, ok := ParseToolName(name)
	return ok
}

// ParseToolName splits mcp__<server>__<tool>. The tool part may itself
// contain "__".
func ParseToolName(fullName string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(fullName, ToolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
