package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/samsaffron/toolloop/internal/llm"
)

const (
	defaultCommandTimeout = 30
	maxCommandTimeout     = 300
)

// ExecuteCommandTool runs a shell command.
type ExecuteCommandTool struct {
	limits OutputLimits
	shell  string
}

// NewExecuteCommandTool creates a new ExecuteCommandTool.
func NewExecuteCommandTool(limits OutputLimits) *ExecuteCommandTool {
	return &ExecuteCommandTool{limits: limits, shell: detectShell()}
}

// ExecuteCommandArgs are the arguments for execute_command.
type ExecuteCommandArgs struct {
	Command        string `json:"command"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

func (t *ExecuteCommandTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ExecuteCommandToolName,
		Description: "Execute a shell command. Returns stdout, stderr, and exit code.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"working_dir": map[string]interface{}{
					"type":        "string",
					"description": "Working directory (defaults to current directory)",
				},
				"timeout_seconds": map[string]interface{}{
					"type":        "integer",
					"description": "Command timeout in seconds (default: 30, max: 300)",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	var a ExecuteCommandArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Output{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if strings.TrimSpace(a.Command) == "" {
		return Output{}, NewToolError(ErrInvalidParams, "command is required")
	}

	timeout := defaultCommandTimeout
	if a.TimeoutSeconds > 0 {
		timeout = a.TimeoutSeconds
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}

	workDir := a.WorkingDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return Output{}, NewToolErrorf(ErrExecutionFailed, "cannot get working directory: %v", err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.shell, "-c", a.Command)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		return Output{}, NewToolError(ErrTimeout, formatCommandResult(result, t.limits))
	}
	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Output{}, NewToolErrorf(ErrExecutionFailed, "command error: %v", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return TextOutput(formatCommandResult(result, t.limits)), nil
}

func formatCommandResult(result CommandResult, limits OutputLimits) string {
	var sb strings.Builder

	stdout, stderr := result.Stdout, result.Stderr
	truncated := false
	if limits.MaxBytes > 0 {
		if int64(len(stdout)) > limits.MaxBytes {
			stdout = stdout[:limits.MaxBytes]
			truncated = true
		}
		if int64(len(stderr)) > limits.MaxBytes {
			stderr = stderr[:limits.MaxBytes]
			truncated = true
		}
	}

	if result.TimedOut {
		sb.WriteString("[Command timed out]\n\n")
	}
	if stdout != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if stderr != "" {
		if stdout != "" {
			sb.WriteString("\n")
		}
		sb.WriteString("stderr:\n")
		sb.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "\nexit_code: %d", result.ExitCode)
	if truncated {
		sb.WriteString("\n\n[Output truncated due to size limit]")
	}
	return sb.String()
}

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "sh"
}
