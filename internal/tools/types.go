// Package tools provides the local tools the loop can dispatch to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samsaffron/toolloop/internal/llm"
)

// ToolKind categorizes tools for policy defaults.
type ToolKind string

const (
	KindRead    ToolKind = "read"
	KindSearch  ToolKind = "search"
	KindExecute ToolKind = "execute"
	KindImage   ToolKind = "image"
)

// ToolErrorType provides structured errors for agent retry logic.
type ToolErrorType string

const (
	ErrFileNotFound      ToolErrorType = "FILE_NOT_FOUND"
	ErrInvalidParams     ToolErrorType = "INVALID_PARAMS"
	ErrExecutionFailed   ToolErrorType = "EXECUTION_FAILED"
	ErrPermissionDenied  ToolErrorType = "PERMISSION_DENIED"
	ErrBinaryFile        ToolErrorType = "BINARY_FILE"
	ErrUnsupportedFormat ToolErrorType = "UNSUPPORTED_FORMAT"
	ErrTimeout           ToolErrorType = "TIMEOUT"
)

// ToolError provides structured error information for retry logic.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...interface{}) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Output is what a tool hands back to the loop. Attachments carry binary
// results such as images.
type Output struct {
	Text        string
	Attachments []llm.InlineDataPart
}

// TextOutput wraps plain text.
func TextOutput(text string) Output {
	return Output{Text: text}
}

// Tool is a locally executed tool. Execute reports tool-level failures as
// a *ToolError.
type Tool interface {
	Spec() llm.ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (Output, error)
}

// Tool names.
const (
	ReadFileToolName       = "read_file"
	GlobToolName           = "glob"
	GrepToolName           = "grep"
	ExecuteCommandToolName = "execute_command"
	ViewImageToolName      = "view_image"
)

// AllToolNames returns all built-in tool names.
func AllToolNames() []string {
	return []string{
		ReadFileToolName,
		GlobToolName,
		GrepToolName,
		ExecuteCommandToolName,
		ViewImageToolName,
	}
}

// ValidToolName checks if a name is a built-in tool name.
func ValidToolName(name string) bool {
	for _, n := range AllToolNames() {
		if n == name {
			return true
		}
	}
	return false
}

// GetToolKind returns the kind for a tool name.
func GetToolKind(name string) ToolKind {
	switch name {
	case ReadFileToolName:
		return KindRead
	case GlobToolName, GrepToolName:
		return KindSearch
	case ExecuteCommandToolName:
		return KindExecute
	case ViewImageToolName:
		return KindImage
	default:
		return ""
	}
}
