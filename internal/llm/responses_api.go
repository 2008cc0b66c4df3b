package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResponsesFormat speaks the OpenAI Responses API. Requests are stateless:
// the full history is sent every time and reasoning is replayed through
// encrypted_content instead of previous_response_id.
type ResponsesFormat struct{}

type responsesRequest struct {
	Model           string               `json:"model"`
	Instructions    string               `json:"instructions,omitempty"`
	Input           []responsesInputItem `json:"input"`
	Tools           []responsesTool      `json:"tools,omitempty"`
	ToolChoice      any                  `json:"tool_choice,omitempty"`
	MaxOutputTokens int                  `json:"max_output_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	Reasoning       *responsesReasoning  `json:"reasoning,omitempty"`
	Include         []string             `json:"include,omitempty"`
	Store           bool                 `json:"store"`
	Stream          bool                 `json:"stream"`
}

// responsesInputItem is one ordered input item: a message, a reasoning
// replay, a function call or a function call output.
type responsesInputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"` // string or []responsesContentPart

	ID               string                  `json:"id,omitempty"`
	EncryptedContent string                  `json:"encrypted_content,omitempty"`
	Summary          *[]responsesSummaryPart `json:"summary,omitempty"`

	CallID    string  `json:"call_id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Arguments string  `json:"arguments,omitempty"`
	Output    *string `json:"output,omitempty"`
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesSummaryPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesOutputItem struct {
	Type             string                 `json:"type"`
	ID               string                 `json:"id"`
	Role             string                 `json:"role"`
	Content          []responsesOutputText  `json:"content"`
	EncryptedContent string                 `json:"encrypted_content"`
	Summary          []responsesSummaryPart `json:"summary"`
	CallID           string                 `json:"call_id"`
	Name             string                 `json:"name"`
	Arguments        string                 `json:"arguments"`
}

type responsesOutputText struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Refusal string `json:"refusal"`
}

type responsesUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

type responsesResponse struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Output []responsesOutputItem `json:"output"`
	Usage  *responsesUsage       `json:"usage"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// responsesEvent covers the fields of every streaming event this adapter
// consumes; unused fields stay zero.
type responsesEvent struct {
	Type        string               `json:"type"`
	OutputIndex int                  `json:"output_index"`
	Delta       string               `json:"delta"`
	Item        *responsesOutputItem `json:"item"`
	Response    *responsesResponse   `json:"response"`
	Message     string               `json:"message"`
	Code        string               `json:"code"`
}

// BuildRequest implements Format.
func (ResponsesFormat) BuildRequest(req GenerateRequest) (*WireRequest, error) {
	if err := requireModel(req.Config); err != nil {
		return nil, err
	}
	input, err := buildResponsesInput(prepareHistory(req), req.Config)
	if err != nil {
		return nil, err
	}

	body := responsesRequest{
		Model:           req.Config.Model,
		Instructions:    systemText(req),
		Input:           input,
		MaxOutputTokens: req.Config.Options.MaxOutputTokens,
		Include:         []string{"reasoning.encrypted_content"},
		Stream:          req.Stream,
	}
	if req.Config.Mode() == ToolModeNative && len(req.Tools) > 0 {
		body.Tools = ResponsesFormat{}.ConvertTools(req.Tools).([]responsesTool)
		body.ToolChoice = "auto"
	}
	if t := req.Config.Options.Temperature; t > 0 {
		body.Temperature = &t
	}
	if effort := req.Config.Options.ReasoningEffort; effort != "" {
		body.Reasoning = &responsesReasoning{Effort: effort, Summary: "auto"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode responses request: %w", err)
	}
	base := req.Config.URL
	if base == "" {
		base = defaultOpenAIURL
	}
	wr, err := newWireRequest(req.Config, joinURL(base, "responses"), data, req.Stream)
	if err != nil {
		return nil, err
	}
	if req.Config.APIKey != "" {
		wr.Header.Set("Authorization", "Bearer "+req.Config.APIKey)
	}
	applyCustomHeaders(req.Config, wr)
	return wr, nil
}

// buildResponsesInput emits one input item per part, in order.
func buildResponsesInput(history []Message, cfg ProviderConfig) ([]responsesInputItem, error) {
	var items []responsesInputItem
	for _, msg := range history {
		role := "user"
		if msg.Role == RoleModel {
			role = "assistant"
		}
		for _, sp := range outgoingParts(msg.Parts, ProviderResponses) {
			switch v := sp.Part.(type) {
			case TextPart:
				if v.Text == "" || v.Thought {
					continue
				}
				items = append(items, responsesInputItem{Type: "message", Role: role, Content: v.Text})
			case InlineDataPart:
				items = append(items, responsesImageItem("data:"+v.MIMEType+";base64,"+v.Data))
			case FileRefPart:
				items = append(items, responsesImageItem(v.URI))
			case RedactedThinkingPart:
				summary := []responsesSummaryPart{}
				items = append(items, responsesInputItem{
					Type:             "reasoning",
					ID:               v.ID,
					EncryptedContent: v.Data,
					Summary:          &summary,
				})
			case FunctionCallPart:
				args, err := json.Marshal(nonNilArgs(v.Args))
				if err != nil {
					return nil, fmt.Errorf("encode arguments of %s: %w", v.Name, err)
				}
				items = append(items, responsesInputItem{
					Type:      "function_call",
					CallID:    v.ID,
					Name:      v.Name,
					Arguments: string(args),
				})
			case FunctionResponsePart:
				out := responseText(v.Response)
				items = append(items, responsesInputItem{Type: "function_call_output", CallID: v.ID, Output: &out})
				for _, att := range responseAttachments(v, cfg) {
					if inline, ok := att.(InlineDataPart); ok {
						items = append(items, responsesImageItem("data:"+inline.MIMEType+";base64,"+inline.Data))
					}
				}
			}
		}
	}
	return items, nil
}

func responsesImageItem(url string) responsesInputItem {
	return responsesInputItem{
		Type:    "message",
		Role:    "user",
		Content: []responsesContentPart{{Type: "input_image", ImageURL: url}},
	}
}

// ConvertTools implements Format.
func (ResponsesFormat) ConvertTools(tools []ToolSpec) any {
	out := make([]responsesTool, 0, len(tools))
	for _, t := range tools {
		params := t.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, responsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

// ParseResponse implements Format.
func (ResponsesFormat) ParseResponse(body []byte) (Message, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Message{}, fmt.Errorf("decode responses reply: %w", err)
	}
	if resp.Error != nil {
		return Message{}, providerError(ProviderResponses, 0, body)
	}
	msg := Message{Role: RoleModel, Usage: responsesUsageOf(resp.Usage)}
	for _, item := range resp.Output {
		msg.Parts = append(msg.Parts, responsesItemParts(item, true)...)
	}
	finishParsed(&msg)
	return msg, nil
}

// responsesItemParts converts a completed output item. withText controls
// whether message text and reasoning summaries are included; streams have
// already delivered them as deltas.
func responsesItemParts(item responsesOutputItem, withText bool) []Part {
	var parts []Part
	switch item.Type {
	case "message":
		if !withText {
			return nil
		}
		for _, c := range item.Content {
			switch {
			case c.Type == "output_text" && c.Text != "":
				parts = append(parts, TextPart{Text: c.Text})
			case c.Type == "refusal" && c.Refusal != "":
				parts = append(parts, TextPart{Text: c.Refusal})
			}
		}
	case "reasoning":
		if withText {
			var sb strings.Builder
			for _, s := range item.Summary {
				sb.WriteString(s.Text)
			}
			if sb.Len() > 0 {
				parts = append(parts, TextPart{Text: sb.String(), Thought: true})
			}
		}
		if item.EncryptedContent != "" || item.ID != "" {
			parts = append(parts, RedactedThinkingPart{Provider: ProviderResponses, ID: item.ID, Data: item.EncryptedContent})
		}
	case "function_call":
		if !withText {
			return nil
		}
		args := map[string]any{}
		if s := strings.TrimSpace(item.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil || args == nil {
				args = map[string]any{}
			}
		}
		parts = append(parts, FunctionCallPart{ID: item.CallID, Name: item.Name, Args: args})
	}
	return parts
}

// ParseStreamChunk implements Format.
func (ResponsesFormat) ParseStreamChunk(ev SSEEvent) (StreamDelta, error) {
	var e responsesEvent
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return StreamDelta{}, fmt.Errorf("decode responses event: %w", err)
	}
	typ := e.Type
	if typ == "" {
		typ = ev.Event
	}

	switch typ {
	case "response.output_text.delta", "response.refusal.delta":
		return StreamDelta{Parts: []Part{TextPart{Text: e.Delta}}}, nil
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return StreamDelta{Parts: []Part{TextPart{Text: e.Delta, Thought: true}}}, nil
	case "response.output_item.added":
		if e.Item != nil && e.Item.Type == "function_call" {
			return StreamDelta{Parts: []Part{FunctionCallPart{
				ID:          e.Item.CallID,
				Name:        e.Item.Name,
				PartialArgs: e.Item.Arguments,
				Index:       e.OutputIndex,
				Fragment:    true,
			}}}, nil
		}
	case "response.function_call_arguments.delta":
		return StreamDelta{Parts: []Part{FunctionCallPart{PartialArgs: e.Delta, Index: e.OutputIndex, Fragment: true}}}, nil
	case "response.output_item.done":
		if e.Item != nil {
			return StreamDelta{Parts: responsesItemParts(*e.Item, false)}, nil
		}
	case "response.completed", "response.incomplete":
		delta := StreamDelta{Done: true, FinishReason: "stop"}
		if e.Response != nil {
			delta.Usage = responsesUsageOf(e.Response.Usage)
			if e.Response.Status != "" {
				delta.FinishReason = e.Response.Status
			}
		}
		return delta, nil
	case "response.failed", "error":
		return StreamDelta{Err: streamError(ProviderResponses, ev.Data)}, nil
	}
	return StreamDelta{}, nil
}

func responsesUsageOf(u *responsesUsage) *Usage {
	if u == nil {
		return nil
	}
	reasoning := u.OutputTokensDetails.ReasoningTokens
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &Usage{
		PromptTokens:    u.InputTokens,
		CandidateTokens: u.OutputTokens - reasoning,
		ThoughtTokens:   reasoning,
		TotalTokens:     total,
	}
}
