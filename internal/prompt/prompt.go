// Package prompt assembles the system prompt sent with every model call.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/samsaffron/toolloop/internal/engine"
)

// DefaultInstructions is used when no instructions are configured.
const DefaultInstructions = `You are a coding assistant working in the user's project.

Rules:
1. Use the available tools to inspect files before changing or describing them
2. Prefer small, verifiable steps and report what each tool call showed
3. Ask before running commands that modify the system
4. Keep answers brief and specific to the project`

// Builder is a PromptSource. Instructions form the static part; the
// environment block (working directory, shell, date) is rebuilt for every
// request.
type Builder struct {
	Instructions string
	Context      string
	Shell        string
	WorkDir      string
	Now          func() time.Time
}

// New returns a Builder for the current process environment.
func New(instructions, customContext string) *Builder {
	cwd, _ := os.Getwd()
	return &Builder{
		Instructions: instructions,
		Context:      customContext,
		Shell:        detectShell(),
		WorkDir:      cwd,
		Now:          time.Now,
	}
}

// Prompt implements engine.PromptSource.
func (b *Builder) Prompt(_ context.Context, _ string) (engine.Prompt, error) {
	return engine.Prompt{
		Static:  b.static(),
		Dynamic: b.environment(),
	}, nil
}

func (b *Builder) static() string {
	if s := strings.TrimSpace(b.Instructions); s != "" {
		return s
	}
	return DefaultInstructions
}

func (b *Builder) environment() string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	base := fmt.Sprintf(`Context:
- Operating System: %s
- Architecture: %s
- Shell: %s
- Current Directory: %s
- Date: %s`, runtime.GOOS, runtime.GOARCH, b.Shell, b.WorkDir, now().Format("2006-01-02"))

	if b.Context != "" {
		base += fmt.Sprintf(`
- User Context: %s`, b.Context)
	}
	return base
}

func detectShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return filepath.Base(sh)
	}
	if runtime.GOOS == "windows" {
		return "powershell"
	}
	return "sh"
}
