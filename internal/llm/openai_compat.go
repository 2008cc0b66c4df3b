package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultOpenAIURL = "https://api.openai.com/v1"

// ChatFormat speaks the OpenAI Chat Completions API and its compatible
// servers, including the reasoning_content extension used by reasoning
// models.
type ChatFormat struct{}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiChatRequest struct {
	Model           string            `json:"model"`
	Messages        []oaiMessage      `json:"messages"`
	Tools           []oaiTool         `json:"tools,omitempty"`
	ToolChoice      interface{}       `json:"tool_choice,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	MaxTokens       *int              `json:"max_tokens,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	StreamOptions   *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    interface{}   `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// oaiReplyMessage is the decoded form of a response message or delta,
// where content is always a string.
type oaiReplyMessage struct {
	Role             string        `json:"role"`
	Content          string        `json:"content"`
	ReasoningContent string        `json:"reasoning_content"`
	Reasoning        string        `json:"reasoning"`
	ToolCalls        []oaiToolCall `json:"tool_calls"`
}

type oaiChatResponse struct {
	Choices []struct {
		Index        int              `json:"index"`
		Message      *oaiReplyMessage `json:"message"`
		Delta        *oaiReplyMessage `json:"delta"`
		FinishReason string           `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		TotalTokens             int `json:"total_tokens"`
		CompletionTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// BuildRequest implements Format.
func (ChatFormat) BuildRequest(req GenerateRequest) (*WireRequest, error) {
	if err := requireModel(req.Config); err != nil {
		return nil, err
	}
	messages, err := buildChatMessages(prepareHistory(req), req.Config)
	if err != nil {
		return nil, err
	}
	if sys := systemText(req); sys != "" {
		messages = append([]oaiMessage{{Role: "system", Content: sys}}, messages...)
	}

	body := oaiChatRequest{
		Model:           req.Config.Model,
		Messages:        messages,
		ReasoningEffort: req.Config.Options.ReasoningEffort,
		Stream:          req.Stream,
	}
	if req.Stream {
		body.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	if req.Config.Mode() == ToolModeNative && len(req.Tools) > 0 {
		body.Tools = ChatFormat{}.ConvertTools(req.Tools).([]oaiTool)
		body.ToolChoice = "auto"
	}
	if t := req.Config.Options.Temperature; t > 0 {
		body.Temperature = &t
	}
	if n := req.Config.Options.MaxOutputTokens; n > 0 {
		body.MaxTokens = &n
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	base := req.Config.URL
	if base == "" {
		base = defaultOpenAIURL
	}
	wr, err := newWireRequest(req.Config, joinURL(base, "chat/completions"), data, req.Stream)
	if err != nil {
		return nil, err
	}
	if req.Config.APIKey != "" {
		wr.Header.Set("Authorization", "Bearer "+req.Config.APIKey)
	}
	applyCustomHeaders(req.Config, wr)
	return wr, nil
}

// buildChatMessages applies the Chat Completions split rules: a model turn
// becomes one assistant message whose text is concatenated and whose tool
// calls all trail in tool_calls; each function response becomes its own
// tool message.
func buildChatMessages(history []Message, cfg ProviderConfig) ([]oaiMessage, error) {
	var out []oaiMessage
	for _, msg := range history {
		parts := outgoingParts(msg.Parts, ProviderOpenAI)
		if msg.Role == RoleModel {
			am := oaiMessage{Role: "assistant"}
			if text := joinText(parts); text != "" {
				am.Content = text
			}
			for _, sp := range parts {
				fc, ok := sp.Part.(FunctionCallPart)
				if !ok {
					continue
				}
				args, err := json.Marshal(nonNilArgs(fc.Args))
				if err != nil {
					return nil, fmt.Errorf("encode arguments of %s: %w", fc.Name, err)
				}
				tc := oaiToolCall{ID: fc.ID, Type: "function"}
				tc.Function.Name = fc.Name
				tc.Function.Arguments = string(args)
				am.ToolCalls = append(am.ToolCalls, tc)
			}
			if am.Content == nil && len(am.ToolCalls) == 0 {
				continue
			}
			out = append(out, am)
			continue
		}

		var content []oaiContentPart
		var attachments []oaiContentPart
		for _, sp := range parts {
			switch v := sp.Part.(type) {
			case TextPart:
				if v.Text != "" {
					content = append(content, oaiContentPart{Type: "text", Text: v.Text})
				}
			case InlineDataPart:
				content = append(content, chatImagePart(v))
			case FileRefPart:
				content = append(content, oaiContentPart{Type: "image_url", ImageURL: &oaiImageURL{URL: v.URI}})
			case FunctionResponsePart:
				out = append(out, oaiMessage{Role: "tool", ToolCallID: v.ID, Content: responseText(v.Response)})
				for _, att := range responseAttachments(v, cfg) {
					if inline, ok := att.(InlineDataPart); ok {
						attachments = append(attachments, chatImagePart(inline))
					}
				}
			}
		}
		content = append(content, attachments...)
		switch {
		case len(content) == 0:
		case len(content) == 1 && content[0].Type == "text":
			out = append(out, oaiMessage{Role: "user", Content: content[0].Text})
		default:
			out = append(out, oaiMessage{Role: "user", Content: content})
		}
	}
	return out, nil
}

func chatImagePart(p InlineDataPart) oaiContentPart {
	return oaiContentPart{Type: "image_url", ImageURL: &oaiImageURL{URL: "data:" + p.MIMEType + ";base64," + p.Data}}
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// ConvertTools implements Format.
func (ChatFormat) ConvertTools(tools []ToolSpec) any {
	out := make([]oaiTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		raw, _ := json.Marshal(schema)
		out = append(out, oaiTool{
			Type:     "function",
			Function: oaiFunction{Name: t.Name, Description: t.Description, Parameters: raw},
		})
	}
	return out
}

// ParseResponse implements Format.
func (ChatFormat) ParseResponse(body []byte) (Message, error) {
	var resp oaiChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Message{}, fmt.Errorf("decode chat response: %w", err)
	}
	if resp.Error != nil {
		return Message{}, providerError(ProviderOpenAI, 0, body)
	}
	msg := Message{Role: RoleModel, Usage: chatUsage(&resp)}
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		m := resp.Choices[0].Message
		if r := reasoningOf(m); r != "" {
			msg.Parts = append(msg.Parts, TextPart{Text: r, Thought: true})
		}
		if m.Content != "" {
			msg.Parts = append(msg.Parts, TextPart{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			args := map[string]any{}
			if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
				if err := json.Unmarshal([]byte(s), &args); err != nil {
					args = map[string]any{}
				}
			}
			msg.Parts = append(msg.Parts, FunctionCallPart{ID: tc.ID, Name: tc.Function.Name, Args: args})
		}
	}
	finishParsed(&msg)
	return msg, nil
}

// ParseStreamChunk implements Format.
func (ChatFormat) ParseStreamChunk(ev SSEEvent) (StreamDelta, error) {
	var resp oaiChatResponse
	if err := json.Unmarshal(ev.Data, &resp); err != nil {
		return StreamDelta{}, fmt.Errorf("decode chat chunk: %w", err)
	}
	if ev.Event == "error" || resp.Error != nil {
		return StreamDelta{Err: streamError(ProviderOpenAI, ev.Data)}, nil
	}
	delta := StreamDelta{Usage: chatUsage(&resp)}
	for _, choice := range resp.Choices {
		if choice.FinishReason != "" {
			delta.FinishReason = choice.FinishReason
		}
		d := choice.Delta
		if d == nil {
			continue
		}
		if r := reasoningOf(d); r != "" {
			delta.Parts = append(delta.Parts, TextPart{Text: r, Thought: true})
		}
		if d.Content != "" {
			delta.Parts = append(delta.Parts, TextPart{Text: d.Content})
		}
		for i, tc := range d.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			delta.Parts = append(delta.Parts, FunctionCallPart{
				ID:          tc.ID,
				Name:        tc.Function.Name,
				PartialArgs: tc.Function.Arguments,
				Index:       idx,
				Fragment:    true,
			})
		}
	}
	return delta, nil
}

func reasoningOf(m *oaiReplyMessage) string {
	if m.ReasoningContent != "" {
		return m.ReasoningContent
	}
	return m.Reasoning
}

func chatUsage(resp *oaiChatResponse) *Usage {
	if resp.Usage == nil {
		return nil
	}
	u := &Usage{
		PromptTokens:    resp.Usage.PromptTokens,
		CandidateTokens: resp.Usage.CompletionTokens,
		TotalTokens:     resp.Usage.TotalTokens,
	}
	if d := resp.Usage.CompletionTokensDetails; d != nil {
		u.ThoughtTokens = d.ReasoningTokens
		u.CandidateTokens -= d.ReasoningTokens
	}
	return u
}
