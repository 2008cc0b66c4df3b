package llm

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	defaultAnthropicURL  = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
	anthropicMaxTokens   = 4096
	anthropicThinkingMax = 16000
	anthropicMinBudget   = 1024
)

// AnthropicFormat speaks the Anthropic Messages API. Request and response
// bodies are the SDK's param and result types; transport is the shared
// Client.
type AnthropicFormat struct{}

// BuildRequest implements Format.
func (AnthropicFormat) BuildRequest(req GenerateRequest) (*WireRequest, error) {
	if err := requireModel(req.Config); err != nil {
		return nil, err
	}
	messages, err := buildAnthropicMessages(prepareHistory(req), req.Config)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, NewError(CodeNoHistory, "no user content to send")
	}

	opts := req.Config.Options
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Config.Model),
		MaxTokens: maxTokens(opts.MaxOutputTokens, anthropicMaxTokens),
		Messages:  messages,
	}
	if sys := systemText(req); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if req.Config.Mode() == ToolModeNative && len(req.Tools) > 0 {
		params.Tools = AnthropicFormat{}.ConvertTools(req.Tools).([]anthropic.ToolUnionParam)
	}
	if opts.ThinkingBudget > 0 {
		budget := opts.ThinkingBudget
		if budget < anthropicMinBudget {
			budget = anthropicMinBudget
		}
		params.MaxTokens = maxTokens(opts.MaxOutputTokens, anthropicThinkingMax)
		if params.MaxTokens <= int64(budget) {
			params.MaxTokens = int64(budget) + anthropicMaxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: int64(budget)},
		}
	} else if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}
	if req.Stream {
		if data, err = sjson.SetBytes(data, "stream", true); err != nil {
			return nil, fmt.Errorf("encode anthropic request: %w", err)
		}
	}

	base := req.Config.URL
	if base == "" {
		base = defaultAnthropicURL
	}
	wr, err := newWireRequest(req.Config, joinURL(base, "messages"), data, req.Stream)
	if err != nil {
		return nil, err
	}
	wr.Header.Set("anthropic-version", anthropicAPIVersion)
	if req.Config.APIKey != "" {
		wr.Header.Set("x-api-key", req.Config.APIKey)
	}
	applyCustomHeaders(req.Config, wr)
	return wr, nil
}

// buildAnthropicMessages maps history onto alternating user and assistant
// messages. The conversation must open with a user turn, so leading model
// turns are skipped; adjacent same-role turns are merged.
func buildAnthropicMessages(history []Message, cfg ProviderConfig) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range history {
		blocks, err := anthropicBlocks(msg, cfg)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleModel {
			role = anthropic.MessageParamRoleAssistant
		}
		if len(out) == 0 && role != anthropic.MessageParamRoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		if role == anthropic.MessageParamRoleUser {
			out = append(out, anthropic.NewUserMessage(blocks...))
		} else {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out, nil
}

func anthropicBlocks(msg Message, cfg ProviderConfig) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, sp := range outgoingParts(msg.Parts, ProviderAnthropic) {
		switch v := sp.Part.(type) {
		case TextPart:
			switch {
			case v.Thought:
				blocks = append(blocks, anthropic.NewThinkingBlock(sp.Sig, v.Text))
			case v.Text != "":
				blocks = append(blocks, anthropic.NewTextBlock(v.Text))
			}
		case RedactedThinkingPart:
			blocks = append(blocks, anthropic.NewRedactedThinkingBlock(v.Data))
		case FunctionCallPart:
			if msg.Role != RoleModel {
				continue
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, nonNilArgs(v.Args), v.Name))
		case FunctionResponsePart:
			blocks = append(blocks, anthropicToolResult(v, cfg))
		case InlineDataPart:
			blocks = append(blocks, anthropic.ContentBlockParamUnion{OfImage: anthropicImage(v)})
		case FileRefPart:
			blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[file %s (%s)]", v.URI, v.MIMEType)))
		}
	}
	return blocks, nil
}

func anthropicImage(p InlineDataPart) *anthropic.ImageBlockParam {
	return &anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfBase64: &anthropic.Base64ImageSourceParam{
				Data:      p.Data,
				MediaType: anthropic.Base64ImageSourceMediaType(p.MIMEType),
			},
		},
	}
}

func anthropicToolResult(fr FunctionResponsePart, cfg ProviderConfig) anthropic.ContentBlockParamUnion {
	content := []anthropic.ToolResultBlockParamContentUnion{{
		OfText: &anthropic.TextBlockParam{Text: responseText(fr.Response)},
	}}
	for _, att := range responseAttachments(fr, cfg) {
		if inline, ok := att.(InlineDataPart); ok {
			content = append(content, anthropic.ToolResultBlockParamContentUnion{OfImage: anthropicImage(inline)})
		}
	}
	block := anthropic.ToolResultBlockParam{
		ToolUseID: fr.ID,
		IsError:   anthropic.Bool(isErrorResponse(fr.Response)),
		Content:   content,
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

// isErrorResponse reports whether a function response value carries an
// error field, the shape failed tool results are stored in.
func isErrorResponse(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, hasErr := m["error"]
	return hasErr
}

// ConvertTools implements Format.
func (AnthropicFormat) ConvertTools(tools []ToolSpec) any {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: t.Schema["properties"],
			Required:   stringList(t.Schema["required"]),
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, tool)
	}
	return out
}

// ParseResponse implements Format.
func (AnthropicFormat) ParseResponse(body []byte) (Message, error) {
	if gjson.GetBytes(body, "type").String() == "error" {
		return Message{}, providerError(ProviderAnthropic, 0, body)
	}
	var resp anthropic.Message
	if err := json.Unmarshal(body, &resp); err != nil {
		return Message{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	msg := Message{Role: RoleModel}
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Parts = append(msg.Parts, TextPart{Text: v.Text})
		case anthropic.ThinkingBlock:
			msg.Parts = append(msg.Parts, TextPart{Text: v.Thinking, Thought: true})
			if v.Signature != "" {
				msg.Parts = append(msg.Parts, SignaturePart{Signatures: map[string]string{ProviderAnthropic: v.Signature}})
			}
		case anthropic.RedactedThinkingBlock:
			msg.Parts = append(msg.Parts, RedactedThinkingPart{Provider: ProviderAnthropic, Data: v.Data})
		case anthropic.ToolUseBlock:
			msg.Parts = append(msg.Parts, FunctionCallPart{ID: v.ID, Name: v.Name, Args: anthropicArgs(v.Input)})
		}
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		msg.Usage = &Usage{
			PromptTokens:    int(resp.Usage.InputTokens),
			CandidateTokens: int(resp.Usage.OutputTokens),
			TotalTokens:     int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}
	finishParsed(&msg)
	return msg, nil
}

// ParseStreamChunk implements Format. Tool-use blocks are reported as
// fragments keyed by content block index.
func (AnthropicFormat) ParseStreamChunk(ev SSEEvent) (StreamDelta, error) {
	if ev.Event == "error" || gjson.GetBytes(ev.Data, "type").String() == "error" {
		return StreamDelta{Err: streamError(ProviderAnthropic, ev.Data)}, nil
	}
	if ev.Event == "ping" {
		return StreamDelta{}, nil
	}
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return StreamDelta{}, fmt.Errorf("decode anthropic event: %w", err)
	}

	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		if in := variant.Message.Usage.InputTokens; in > 0 {
			return StreamDelta{Usage: &Usage{PromptTokens: int(in), TotalTokens: int(in)}}, nil
		}
	case anthropic.ContentBlockStartEvent:
		switch block := variant.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			return StreamDelta{Parts: []Part{FunctionCallPart{
				ID:       block.ID,
				Name:     block.Name,
				Index:    int(variant.Index),
				Fragment: true,
			}}}, nil
		case anthropic.RedactedThinkingBlock:
			return StreamDelta{Parts: []Part{RedactedThinkingPart{Provider: ProviderAnthropic, Data: block.Data}}}, nil
		case anthropic.TextBlock:
			if block.Text != "" {
				return StreamDelta{Parts: []Part{TextPart{Text: block.Text}}}, nil
			}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return StreamDelta{Parts: []Part{TextPart{Text: delta.Text}}}, nil
		case anthropic.ThinkingDelta:
			return StreamDelta{Parts: []Part{TextPart{Text: delta.Thinking, Thought: true}}}, nil
		case anthropic.SignatureDelta:
			return StreamDelta{Parts: []Part{SignaturePart{Signatures: map[string]string{ProviderAnthropic: delta.Signature}}}}, nil
		case anthropic.InputJSONDelta:
			return StreamDelta{Parts: []Part{FunctionCallPart{
				PartialArgs: delta.PartialJSON,
				Index:       int(variant.Index),
				Fragment:    true,
			}}}, nil
		}
	case anthropic.MessageDeltaEvent:
		d := StreamDelta{FinishReason: string(variant.Delta.StopReason)}
		if u := variant.Usage; u.OutputTokens > 0 || u.InputTokens > 0 {
			d.Usage = &Usage{
				PromptTokens:    int(u.InputTokens),
				CandidateTokens: int(u.OutputTokens),
				TotalTokens:     int(u.InputTokens + u.OutputTokens),
			}
		}
		return d, nil
	case anthropic.MessageStopEvent:
		return StreamDelta{Done: true}, nil
	}
	return StreamDelta{}, nil
}

func anthropicArgs(input any) map[string]any {
	var raw []byte
	switch v := input.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		raw = b
	}
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil || args == nil {
			return map[string]any{}
		}
	}
	return args
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}
