package llm

import (
	"strings"
	"time"
)

// Role identifies the author of a message. Only two roles exist in the
// unified history; system text travels in GenerateRequest.SystemInstruction.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one unit of message content. The set of implementations is closed:
// TextPart, FunctionCallPart, FunctionResponsePart, InlineDataPart,
// FileRefPart, SignaturePart and RedactedThinkingPart.
type Part interface {
	partKind() string
}

// TextPart is plain text. Thought marks reasoning output.
type TextPart struct {
	Text    string
	Thought bool
}

// FunctionCallPart is a model-requested tool invocation.
//
// PartialArgs, Index and Fragment are streaming scratch fields: a fragment
// carries a slice of the JSON argument string for the call at Index and is
// merged by the Accumulator. They are never persisted.
type FunctionCallPart struct {
	ID          string
	Name        string
	Args        map[string]any
	PartialArgs string
	Index       int
	Fragment    bool
}

// FunctionResponsePart carries a tool result back to the model. Parts holds
// nested multimodal attachments (inline data) for native tool mode.
type FunctionResponsePart struct {
	ID       string
	Name     string
	Response any
	Parts    []Part
}

// InlineDataPart is base64 encoded binary content.
type InlineDataPart struct {
	MIMEType    string
	Data        string
	ID          string
	Name        string
	DisplayName string
}

// FileRefPart references content by URI.
type FileRefPart struct {
	URI      string
	MIMEType string
}

// SignaturePart holds opaque thinking signatures keyed by provider name. It
// signs the part immediately before it in the message.
type SignaturePart struct {
	Signatures map[string]string
}

// RedactedThinkingPart is an encrypted reasoning blob that must be echoed
// back verbatim, and only to the provider that produced it.
type RedactedThinkingPart struct {
	Provider string
	ID       string
	Data     string
}

func (TextPart) partKind() string             { return "text" }
func (FunctionCallPart) partKind() string     { return "function_call" }
func (FunctionResponsePart) partKind() string { return "function_response" }
func (InlineDataPart) partKind() string       { return "inline_data" }
func (FileRefPart) partKind() string          { return "file_ref" }
func (SignaturePart) partKind() string        { return "signature" }
func (RedactedThinkingPart) partKind() string { return "redacted_thinking" }

// Signature provider keys.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderResponses = "openai-responses"
	ProviderAnthropic = "anthropic"
)

// Usage is provider-reported token accounting for one model response.
type Usage struct {
	PromptTokens    int `json:"prompt_tokens,omitempty"`
	CandidateTokens int `json:"candidate_tokens,omitempty"`
	ThoughtTokens   int `json:"thought_tokens,omitempty"`
	TotalTokens     int `json:"total_tokens,omitempty"`
}

// Message is one turn of the unified conversation history.
type Message struct {
	Role               Role
	Parts              []Part
	IsFunctionResponse bool
	IsSummary          bool
	Usage              *Usage
	EstimatedTokens    int

	ThinkingStartedAt time.Time
	ThinkingDuration  time.Duration
	ResponseDuration  time.Duration
	CreatedAt         time.Time
}

// ToolCall is a tool invocation extracted from a message.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolMode selects how tool calls travel on the wire.
type ToolMode string

const (
	ToolModeNative ToolMode = "native"
	ToolModeXML    ToolMode = "xml"
	ToolModeJSON   ToolMode = "json"
)

// TextEmbedded reports whether tool calls are encoded inside plain text.
func (m ToolMode) TextEmbedded() bool {
	return m == ToolModeXML || m == ToolModeJSON
}

// ParseToolMode maps a config string to a ToolMode. Unknown values fall
// back to native.
func ParseToolMode(s string) ToolMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xml", "tag", "tagged":
		return ToolModeXML
	case "json", "marker":
		return ToolModeJSON
	default:
		return ToolModeNative
	}
}

// Text returns the concatenated non-thought text of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok && !t.Thought {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ThoughtText returns the concatenated reasoning text of the message.
func (m Message) ThoughtText() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok && t.Thought {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts the function calls of a message in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return calls
}

// FunctionResponses returns the function response parts of a message.
func (m Message) FunctionResponses() []FunctionResponsePart {
	var out []FunctionResponsePart
	for _, p := range m.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			out = append(out, fr)
		}
	}
	return out
}

// IsRoundStart reports whether the message opens a new round: a user turn
// that is not a tool result.
func (m Message) IsRoundStart() bool {
	return m.Role == RoleUser && !m.IsFunctionResponse
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// ModelText builds a plain model message.
func ModelText(text string) Message {
	return Message{Role: RoleModel, Parts: []Part{TextPart{Text: text}}}
}

// signatureFor returns the signature for provider on the part following
// parts[i], if that next part is a SignaturePart.
func signatureFor(parts []Part, i int, provider string) string {
	if i+1 >= len(parts) {
		return ""
	}
	sp, ok := parts[i+1].(SignaturePart)
	if !ok {
		return ""
	}
	return sp.Signatures[provider]
}
