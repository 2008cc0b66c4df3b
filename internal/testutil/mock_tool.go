package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/tools"
)

// MockTool is a configurable tool for testing.
type MockTool struct {
	SpecData  llm.ToolSpec
	ExecuteFn func(ctx context.Context, args json.RawMessage) (tools.Output, error)

	mu          sync.Mutex
	Invocations []MockToolInvocation
}

// MockToolInvocation records a single tool invocation.
type MockToolInvocation struct {
	Args   json.RawMessage
	Output tools.Output
	Result string // Shortcut for Output.Text
	Error  error
}

// Spec implements tools.Tool.
func (m *MockTool) Spec() llm.ToolSpec {
	return m.SpecData
}

// Execute implements tools.Tool.
func (m *MockTool) Execute(ctx context.Context, args json.RawMessage) (tools.Output, error) {
	var (
		result tools.Output
		err    error
	)
	if m.ExecuteFn != nil {
		result, err = m.ExecuteFn(ctx, args)
	}
	m.mu.Lock()
	m.Invocations = append(m.Invocations, MockToolInvocation{
		Args:   args,
		Output: result,
		Result: result.Text,
		Error:  err,
	})
	m.mu.Unlock()
	return result, err
}

// NewMockTool creates a mock tool with the given name that returns a fixed result.
func NewMockTool(name string, result string) *MockTool {
	return NewMockToolFunc(name, func(ctx context.Context, args json.RawMessage) (tools.Output, error) {
		return tools.TextOutput(result), nil
	})
}

// NewMockToolFunc creates a mock tool with an empty object schema that runs fn.
func NewMockToolFunc(name string, fn func(ctx context.Context, args json.RawMessage) (tools.Output, error)) *MockTool {
	return &MockTool{
		SpecData: llm.ToolSpec{
			Name:        name,
			Description: "Mock tool: " + name,
			Schema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		ExecuteFn: fn,
	}
}

// InvocationCount returns the number of times the tool was invoked.
func (m *MockTool) InvocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Invocations)
}

// LastArgs returns the arguments from the last invocation, or nil if never invoked.
func (m *MockTool) LastArgs() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Invocations) == 0 {
		return nil
	}
	return m.Invocations[len(m.Invocations)-1].Args
}
