package tools

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Policy decides which tool calls run without asking. Patterns use glob
// syntax, so "mcp__fs__*" matches every tool of the fs server.
type Policy struct {
	autoExec []glob.Glob
	confirm  []glob.Glob
}

// NewPolicy compiles the auto-exec and confirmation patterns.
func NewPolicy(autoExec, requireConfirmation []string) (*Policy, error) {
	p := &Policy{}
	var err error
	if p.autoExec, err = compileAll(autoExec); err != nil {
		return nil, err
	}
	if p.confirm, err = compileAll(requireConfirmation); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// IsToolAutoExec reports whether a call to name may run without
// confirmation. Confirmation patterns win over auto-exec patterns. With no
// auto-exec patterns every other tool runs automatically.
func (p *Policy) IsToolAutoExec(name string) bool {
	if p == nil {
		return true
	}
	if matchAny(p.confirm, name) {
		return false
	}
	if len(p.autoExec) == 0 {
		return true
	}
	return matchAny(p.autoExec, name)
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
