package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmbeddedToolCalls(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		found bool
		want  []Part
	}{
		{
			name: "plain text",
			text: "nothing to see",
			want: []Part{TextPart{Text: "nothing to see"}},
		},
		{
			name:  "tag call between text",
			text:  "Reading it now.\n<tool_call name=\"read_file\">{\"path\":\"a.go\"}</tool_call>\nDone.",
			found: true,
			want: []Part{
				TextPart{Text: "Reading it now.\n"},
				FunctionCallPart{Name: "read_file", Args: map[string]any{"path": "a.go"}},
				TextPart{Text: "\nDone."},
			},
		},
		{
			name:  "marker call",
			text:  "<<<TOOL_CALL>>>\n{\"tool\":\"glob\",\"parameters\":{\"pattern\":\"*.md\"}}\n<<<END_TOOL_CALL>>>",
			found: true,
			want:  []Part{FunctionCallPart{Name: "glob", Args: map[string]any{"pattern": "*.md"}}},
		},
		{
			name:  "marker call in code fence with id",
			text:  "<<<TOOL_CALL>>>\n```json\n{\"name\":\"glob\",\"id\":\"x1\",\"arguments\":{}}\n```\n<<<END_TOOL_CALL>>>",
			found: true,
			want:  []Part{FunctionCallPart{ID: "x1", Name: "glob", Args: map[string]any{}}},
		},
		{
			name:  "both encodings keep source order",
			text:  "<<<TOOL_CALL>>>{\"tool\":\"a\",\"parameters\":{}}<<<END_TOOL_CALL>>><tool_call name=\"b\"></tool_call>",
			found: true,
			want: []Part{
				FunctionCallPart{Name: "a", Args: map[string]any{}},
				FunctionCallPart{Name: "b", Args: map[string]any{}},
			},
		},
		{
			name: "broken json stays literal",
			text: "<tool_call name=\"read_file\">{path: nope}</tool_call>",
			want: []Part{TextPart{Text: "<tool_call name=\"read_file\">{path: nope}</tool_call>"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, found := ParseEmbeddedToolCalls(tt.text)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, parts)
		})
	}
}

func TestParseEmbeddedKeepsBrokenBlockNextToGoodOne(t *testing.T) {
	text := "<tool_call name=\"x\">{oops</tool_call> then <tool_call name=\"y\">{\"n\":1}</tool_call>"
	parts, found := ParseEmbeddedToolCalls(text)
	require.True(t, found)
	require.Len(t, parts, 2)
	lit, ok := parts[0].(TextPart)
	require.True(t, ok)
	assert.Contains(t, lit.Text, "{oops")
	assert.Equal(t, FunctionCallPart{Name: "y", Args: map[string]any{"n": float64(1)}}, parts[1])
}

func TestRenderedCallsParseBack(t *testing.T) {
	args := map[string]any{"path": "docs/readme.md", "limit": float64(20)}
	for _, mode := range []ToolMode{ToolModeXML, ToolModeJSON} {
		t.Run(string(mode), func(t *testing.T) {
			parts, found := ParseEmbeddedToolCalls(RenderToolCall(mode, "read_file", args))
			require.True(t, found)
			require.Len(t, parts, 1)
			assert.Equal(t, FunctionCallPart{Name: "read_file", Args: args}, parts[0])
		})
	}
}

func TestRenderToolResult(t *testing.T) {
	xml := RenderToolResult(ToolModeXML, "call_1", "glob", map[string]any{"files": []string{"a"}})
	assert.True(t, strings.HasPrefix(xml, `<tool_result name="glob" id="call_1">`))
	assert.Contains(t, xml, `{"files":["a"]}`)

	marker := RenderToolResult(ToolModeJSON, "call_1", "glob", "ok")
	assert.True(t, strings.HasPrefix(marker, "<<<TOOL_RESULT>>>"))
	assert.True(t, strings.HasSuffix(marker, "<<<END_TOOL_RESULT>>>"))
	assert.Contains(t, marker, `"id":"call_1"`)
	assert.Contains(t, marker, `"result":"ok"`)
}

func TestRenderToolPromptListsToolsSorted(t *testing.T) {
	tools := []ToolSpec{
		{Name: "read_file", Description: "Read a file"},
		{Name: "glob", Description: "Match paths", Schema: map[string]interface{}{"type": "object"}},
	}
	prompt := RenderToolPrompt(ToolModeJSON, tools)
	assert.Contains(t, prompt, "<<<TOOL_CALL>>>")
	assert.Less(t, strings.Index(prompt, "### glob"), strings.Index(prompt, "### read_file"))
	assert.Contains(t, prompt, `Parameters: {"type":"object"}`)

	assert.Contains(t, RenderToolPrompt(ToolModeXML, tools), `<tool_call name="TOOL_NAME">`)
}

func TestNormalizeEmbeddedToolCallsSkipsThoughts(t *testing.T) {
	msg := Message{Role: RoleModel, Parts: []Part{
		TextPart{Text: `<tool_call name="a">{}</tool_call>`, Thought: true},
		TextPart{Text: `ok <tool_call name="b">{}</tool_call>`},
	}}
	require.True(t, NormalizeEmbeddedToolCalls(&msg))
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, TextPart{Text: `<tool_call name="a">{}</tool_call>`, Thought: true}, msg.Parts[0])
	assert.Equal(t, TextPart{Text: "ok "}, msg.Parts[1])
	assert.Equal(t, "b", msg.Parts[2].(FunctionCallPart).Name)
}

func TestEnsureToolCallIDs(t *testing.T) {
	msg := Message{Role: RoleModel, Parts: []Part{
		FunctionCallPart{Name: "a"},
		FunctionCallPart{ID: "keep", Name: "b"},
		FunctionCallPart{ID: "keep", Name: "c"},
	}}
	assert.Equal(t, 2, EnsureToolCallIDs(&msg))

	calls := msg.ToolCalls()
	assert.Regexp(t, `^call_[0-9a-f]{24}$`, calls[0].ID)
	assert.Equal(t, "keep", calls[1].ID)
	assert.NotEqual(t, "keep", calls[2].ID)

	ids := []string{calls[0].ID, calls[1].ID, calls[2].ID}
	assert.Equal(t, 0, EnsureToolCallIDs(&msg))
	assert.Equal(t, ids, []string{msg.ToolCalls()[0].ID, msg.ToolCalls()[1].ID, msg.ToolCalls()[2].ID})
}
