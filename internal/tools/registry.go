package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samsaffron/toolloop/internal/llm"
)

// Registry holds the local tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewLocalRegistry registers the enabled built-in tools.
func NewLocalRegistry(cfg Config) (*Registry, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("tools config: %w", errs[0])
	}
	r := NewRegistry()
	limits := cfg.Limits()
	for _, name := range cfg.Enabled {
		tool, err := builtin(name, limits)
		if err != nil {
			return nil, err
		}
		r.Register(tool)
	}
	return r, nil
}

func builtin(name string, limits OutputLimits) (Tool, error) {
	switch name {
	case ReadFileToolName:
		return NewReadFileTool(limits), nil
	case GlobToolName:
		return NewGlobTool(limits), nil
	case GrepToolName:
		return NewGrepTool(limits), nil
	case ExecuteCommandToolName:
		return NewExecuteCommandTool(limits), nil
	case ViewImageToolName:
		return NewViewImageTool(), nil
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Spec().Name] = t
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the specs of all registered tools sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
