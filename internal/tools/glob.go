package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/samsaffron/toolloop/internal/llm"
)

// GlobTool implements the glob tool.
type GlobTool struct {
	limits OutputLimits
}

// NewGlobTool creates a new GlobTool.
func NewGlobTool(limits OutputLimits) *GlobTool {
	return &GlobTool{limits: limits}
}

// GlobArgs are the arguments for glob.
type GlobArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

// FileEntry represents a file in glob results.
type FileEntry struct {
	FilePath  string
	IsDir     bool
	SizeBytes int64
	ModTime   time.Time
}

const defaultGlobResults = 200

func (t *GlobTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        GlobToolName,
		Description: "Find files by glob pattern (supports ** for recursive matching). Returns file metadata sorted by modification time.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob pattern supporting ** for recursive matching, e.g., '**/*.go' or 'src/**/*.ts'",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Base directory for the search (defaults to current directory)",
				},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *GlobTool) maxResults() int {
	if t.limits.MaxResults > 0 {
		return t.limits.MaxResults
	}
	return defaultGlobResults
}

func (t *GlobTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	warning := WarnUnknownParams(args, []string{"pattern", "path"})

	var a GlobArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Output{}, NewToolError(ErrInvalidParams, err.Error())
	}
	if a.Pattern == "" {
		return Output{}, NewToolError(ErrInvalidParams, "pattern is required")
	}
	if !doublestar.ValidatePattern(a.Pattern) {
		return Output{}, NewToolErrorf(ErrInvalidParams, "invalid pattern %q", a.Pattern)
	}

	basePath := a.Path
	if basePath == "" {
		var err error
		basePath, err = os.Getwd()
		if err != nil {
			return Output{}, NewToolErrorf(ErrExecutionFailed, "cannot get working directory: %v", err)
		}
	}
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return Output{}, NewToolErrorf(ErrExecutionFailed, "cannot resolve path: %v", err)
	}
	if _, err := os.Stat(absBasePath); os.IsNotExist(err) {
		return Output{}, NewToolError(ErrFileNotFound, absBasePath)
	}

	limit := t.maxResults()
	var entries []FileEntry
	err = filepath.WalkDir(absBasePath, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if path != absBasePath && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(absBasePath, path)
		if err != nil {
			return nil
		}
		matched, err := doublestar.Match(a.Pattern, filepath.ToSlash(relPath))
		if err != nil || !matched {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, FileEntry{
			FilePath:  path,
			IsDir:     d.IsDir(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		if len(entries) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Output{}, NewToolError(ErrTimeout, "glob timed out")
		}
		return Output{}, NewToolErrorf(ErrExecutionFailed, "walk error: %v", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	if len(entries) == 0 {
		return TextOutput(warning + "No files matched the pattern."), nil
	}
	return TextOutput(warning + formatGlobResults(entries, len(entries) >= limit)), nil
}

func formatGlobResults(entries []FileEntry, truncated bool) string {
	var sb strings.Builder
	for _, e := range entries {
		typeIndicator := "f"
		if e.IsDir {
			typeIndicator = "d"
		}
		fmt.Fprintf(&sb, "[%s] %s  %s  %s\n", typeIndicator, formatSize(e.SizeBytes), e.ModTime.Format("2006-01-02 15:04"), e.FilePath)
	}
	if truncated {
		fmt.Fprintf(&sb, "\n[Results truncated at %d files]", len(entries))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// formatSize formats a byte count as human-readable.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%4dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%4.0f%c", float64(bytes)/float64(div), "KMGTPE"[exp])
}
