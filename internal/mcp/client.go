package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/tools"
)

const (
	clientName    = "toolloop"
	clientVersion = "1.0.0"
)

// ToolSpec describes a tool available from an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Client wraps one MCP server connection.
type Client struct {
	name    string
	config  ServerConfig
	client  *mcp.Client
	session *mcp.ClientSession
	tools   []ToolSpec
	mu      sync.RWMutex
	running bool
}

// NewClient creates a new MCP client for the given server configuration.
func NewClient(name string, config ServerConfig) *Client {
	return &Client{name: name, config: config}
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// Start connects using the transport derived from the server config.
func (c *Client) Start(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return fmt.Errorf("MCP server %s: %w", c.name, err)
	}
	return c.Connect(ctx, c.transport(ctx))
}

// Connect initializes a session over the given transport and fetches the
// tool list.
func (c *Client) Connect(ctx context.Context, transport mcp.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.client = mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to MCP server %s: %w", c.name, err)
	}
	c.session = session

	if err := c.refreshTools(ctx); err != nil {
		c.session.Close()
		c.session = nil
		return fmt.Errorf("list tools from %s: %w", c.name, err)
	}
	c.running = true
	return nil
}

func (c *Client) transport(ctx context.Context) mcp.Transport {
	if c.config.TransportType() == "http" {
		return &mcp.StreamableClientTransport{
			Endpoint:   c.config.URL,
			HTTPClient: &http.Client{Transport: &headerTransport{headers: c.config.Headers}},
		}
	}
	return c.createStdioTransport(ctx)
}

// createStdioTransport builds the subprocess command. A server with custom
// env inherits the parent environment with its overrides appended.
func (c *Client) createStdioTransport(ctx context.Context) mcp.Transport {
	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	if len(c.config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return &mcp.CommandTransport{Command: cmd}
}

type headerTransport struct {
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return http.DefaultTransport.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	return http.DefaultTransport.RoundTrip(req)
}

// Stop closes the MCP server connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	c.running = false
	c.tools = nil
	return err
}

// IsRunning returns whether the client is connected.
func (c *Client) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Tools returns the tools advertised by this server.
func (c *Client) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}

	c.tools = make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		c.tools = append(c.tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schemaMap(t.InputSchema),
		})
	}
	return nil
}

// schemaMap normalizes whatever the SDK decoded into a plain map.
func schemaMap(schema any) map[string]any {
	switch v := schema.(type) {
	case nil:
		return map[string]any{"type": "object"}
	case map[string]any:
		return v
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// CallTool invokes a tool on the MCP server. A result flagged as an error
// comes back as a *tools.ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (tools.Output, error) {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()

	if !running || session == nil {
		return tools.Output{}, fmt.Errorf("MCP server %s is not running", c.name)
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return tools.Output{}, fmt.Errorf("call tool %s: %w", name, err)
	}

	out := convertContent(result.Content)
	if result.IsError {
		return tools.Output{}, tools.NewToolErrorf(tools.ErrExecutionFailed, "tool %s returned error: %s", name, out.Text)
	}
	return out, nil
}

// convertContent flattens MCP content into text plus image attachments.
func convertContent(content []mcp.Content) tools.Output {
	var sb strings.Builder
	var out tools.Output
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			sb.WriteString(v.Text)
		case *mcp.ImageContent:
			out.Attachments = append(out.Attachments, llm.InlineDataPart{
				MIMEType: v.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(v.Data),
			})
		default:
			if data, err := json.Marshal(c); err == nil {
				sb.Write(data)
			}
		}
	}
	out.Text = sb.String()
	return out
}
