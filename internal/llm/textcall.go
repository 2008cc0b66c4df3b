package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Delimiters of the text-embedded tool-call encodings.
const (
	markerCallOpen    = "<<<TOOL_CALL>>>"
	markerCallClose   = "<<<END_TOOL_CALL>>>"
	markerResultOpen  = "<<<TOOL_RESULT>>>"
	markerResultClose = "<<<END_TOOL_RESULT>>>"
)

var (
	reTagCall    = regexp.MustCompile(`(?s)<tool_call\s+name\s*=\s*["']([^"']+)["']\s*>(.*?)</tool_call>`)
	reMarkerCall = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(markerCallOpen) + `(.*?)` + regexp.QuoteMeta(markerCallClose))
	reCodeFence  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// RenderToolPrompt describes the available tools and the expected call
// syntax for a text-embedded tool mode.
func RenderToolPrompt(mode ToolMode, tools []ToolSpec) string {
	var sb strings.Builder
	sb.WriteString("# Tools\n\nYou can call the following tools. ")
	switch mode {
	case ToolModeJSON:
		sb.WriteString("To call a tool, write a JSON object between markers exactly like this:\n\n")
		sb.WriteString(markerCallOpen + "\n" + `{"tool": "TOOL_NAME", "parameters": {"arg": "value"}}` + "\n" + markerCallClose + "\n\n")
		sb.WriteString("Tool results arrive in " + markerResultOpen + " blocks.")
	default:
		sb.WriteString("To call a tool, write a tool_call tag whose body is a JSON object of arguments:\n\n")
		sb.WriteString(`<tool_call name="TOOL_NAME">` + "\n" + `{"arg": "value"}` + "\n</tool_call>\n\n")
		sb.WriteString("Tool results arrive in <tool_result> tags.")
	}
	sb.WriteString(" You may call several tools in one reply. Wait for results before relying on them.\n\n## Available tools\n")

	sorted := append([]ToolSpec(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, t := range sorted {
		sb.WriteString("\n### " + t.Name + "\n")
		if t.Description != "" {
			sb.WriteString(t.Description + "\n")
		}
		if len(t.Schema) > 0 {
			schema, err := json.Marshal(t.Schema)
			if err == nil {
				sb.WriteString("Parameters: " + string(schema) + "\n")
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderToolCall writes a function call in the given text mode.
func RenderToolCall(mode ToolMode, name string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	if mode == ToolModeJSON {
		body, _ := json.Marshal(map[string]any{"tool": name, "parameters": args})
		return markerCallOpen + "\n" + string(body) + "\n" + markerCallClose
	}
	body, _ := json.Marshal(args)
	return fmt.Sprintf("<tool_call name=%q>\n%s\n</tool_call>", name, body)
}

// RenderToolResult writes a function response in the given text mode.
func RenderToolResult(mode ToolMode, id, name string, response any) string {
	if mode == ToolModeJSON {
		body, _ := json.Marshal(map[string]any{"tool": name, "id": id, "result": response})
		return markerResultOpen + "\n" + string(body) + "\n" + markerResultClose
	}
	body, err := json.Marshal(response)
	if err != nil {
		body = []byte(fmt.Sprint(response))
	}
	return fmt.Sprintf("<tool_result name=%q id=%q>\n%s\n</tool_result>", name, id, body)
}

// ContainsEmbeddedToolCall reports whether text holds either delimiter.
func ContainsEmbeddedToolCall(text string) bool {
	return strings.Contains(text, "<tool_call") || strings.Contains(text, markerCallOpen)
}

type embeddedMatch struct {
	start, end int
	call       FunctionCallPart
	ok         bool
}

// ParseEmbeddedToolCalls splits text into ordered text and function-call
// parts. Blocks that fail to parse stay in the surrounding text. found
// reports whether at least one call was extracted.
func ParseEmbeddedToolCalls(text string) (parts []Part, found bool) {
	if !ContainsEmbeddedToolCall(text) {
		return []Part{TextPart{Text: text}}, false
	}

	var matches []embeddedMatch
	for _, loc := range reTagCall.FindAllStringSubmatchIndex(text, -1) {
		m := embeddedMatch{start: loc[0], end: loc[1]}
		m.call, m.ok = parseTagCall(text[loc[2]:loc[3]], text[loc[4]:loc[5]])
		matches = append(matches, m)
	}
	for _, loc := range reMarkerCall.FindAllStringSubmatchIndex(text, -1) {
		m := embeddedMatch{start: loc[0], end: loc[1]}
		m.call, m.ok = parseMarkerCall(text[loc[2]:loc[3]])
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	cursor := 0
	var literal strings.Builder
	flush := func() {
		if s := literal.String(); strings.TrimSpace(s) != "" {
			parts = append(parts, TextPart{Text: s})
		}
		literal.Reset()
	}
	for _, m := range matches {
		if m.start < cursor || !m.ok {
			continue
		}
		literal.WriteString(text[cursor:m.start])
		flush()
		parts = append(parts, m.call)
		found = true
		cursor = m.end
	}
	literal.WriteString(text[cursor:])
	flush()

	if !found {
		return []Part{TextPart{Text: text}}, false
	}
	return parts, true
}

func parseTagCall(name, body string) (FunctionCallPart, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return FunctionCallPart{}, false
	}
	args, ok := parseArgsObject(body)
	if !ok {
		return FunctionCallPart{}, false
	}
	return FunctionCallPart{Name: name, Args: args}, true
}

func parseMarkerCall(body string) (FunctionCallPart, bool) {
	body = stripFence(strings.TrimSpace(body))
	var raw struct {
		Tool       string         `json:"tool"`
		Name       string         `json:"name"`
		ID         string         `json:"id"`
		Parameters map[string]any `json:"parameters"`
		Arguments  map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return FunctionCallPart{}, false
	}
	name := raw.Tool
	if name == "" {
		name = raw.Name
	}
	if name == "" {
		return FunctionCallPart{}, false
	}
	args := raw.Parameters
	if args == nil {
		args = raw.Arguments
	}
	if args == nil {
		args = map[string]any{}
	}
	return FunctionCallPart{ID: raw.ID, Name: name, Args: args}, true
}

func parseArgsObject(body string) (map[string]any, bool) {
	body = stripFence(strings.TrimSpace(body))
	if body == "" {
		return map[string]any{}, true
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(body), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}

func stripFence(s string) string {
	if m := reCodeFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// NormalizeEmbeddedToolCalls rewrites non-thought text parts that contain
// embedded tool calls into structured function-call parts, keeping order.
// It reports whether anything changed.
func NormalizeEmbeddedToolCalls(msg *Message) bool {
	changed := false
	out := make([]Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		t, ok := p.(TextPart)
		if !ok || t.Thought || !ContainsEmbeddedToolCall(t.Text) {
			out = append(out, p)
			continue
		}
		parsed, found := ParseEmbeddedToolCalls(t.Text)
		if !found {
			out = append(out, p)
			continue
		}
		out = append(out, parsed...)
		changed = true
	}
	if changed {
		msg.Parts = out
	}
	return changed
}

// responseText renders a function response value as the text handed to
// providers whose tool results are plain strings.
func responseText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprint(r)
		}
		return string(b)
	}
}
