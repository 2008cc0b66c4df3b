package llm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"google.golang.org/genai"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiFormat speaks the Gemini generateContent API. It uses the genai
// SDK types as wire structs and does its own HTTP.
type GeminiFormat struct{}

type geminiGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *genai.ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// BuildRequest implements Format.
func (GeminiFormat) BuildRequest(req GenerateRequest) (*WireRequest, error) {
	if err := requireModel(req.Config); err != nil {
		return nil, err
	}
	contents, err := buildGeminiContents(prepareHistory(req), req.Config)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, NewError(CodeNoHistory, "no user content to send")
	}

	body := geminiRequest{Contents: contents}
	if sys := systemText(req); sys != "" {
		body.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Config.Mode() == ToolModeNative && len(req.Tools) > 0 {
		body.Tools = GeminiFormat{}.ConvertTools(req.Tools).([]*genai.Tool)
		body.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	if gc := geminiGenConfig(req.Config.Options); gc != nil {
		body.GenerationConfig = gc
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}

	base := req.Config.URL
	if base == "" {
		base = defaultGeminiURL
	}
	endpoint := joinURL(base, "models/"+url.PathEscape(req.Config.Model)+":generateContent")
	if req.Stream {
		endpoint = joinURL(base, "models/"+url.PathEscape(req.Config.Model)+":streamGenerateContent") + "?alt=sse"
	}
	wr, err := newWireRequest(req.Config, endpoint, data, req.Stream)
	if err != nil {
		return nil, err
	}
	if req.Config.APIKey != "" {
		wr.Header.Set("x-goog-api-key", req.Config.APIKey)
	}
	applyCustomHeaders(req.Config, wr)
	return wr, nil
}

func geminiGenConfig(opts ProviderOptions) *geminiGenerationConfig {
	gc := &geminiGenerationConfig{MaxOutputTokens: opts.MaxOutputTokens}
	if opts.Temperature > 0 {
		t := opts.Temperature
		gc.Temperature = &t
	}
	if opts.ThinkingBudget != 0 {
		budget := int32(opts.ThinkingBudget)
		gc.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	if gc.Temperature == nil && gc.MaxOutputTokens == 0 && gc.ThinkingConfig == nil {
		return nil
	}
	return gc
}

// buildGeminiContents maps messages to contents. Leading model turns are
// dropped because Gemini requires the conversation to open with a user
// turn, and consecutive turns of the same role are merged.
func buildGeminiContents(history []Message, cfg ProviderConfig) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := genai.RoleUser
		if msg.Role == RoleModel {
			role = genai.RoleModel
		}
		if len(contents) == 0 && role != genai.RoleUser {
			continue
		}
		parts, err := geminiParts(msg, cfg)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func geminiParts(msg Message, cfg ProviderConfig) ([]*genai.Part, error) {
	var out []*genai.Part
	for _, sp := range outgoingParts(msg.Parts, ProviderGemini) {
		sig, err := decodeSignature(sp.Sig)
		if err != nil {
			return nil, err
		}
		switch v := sp.Part.(type) {
		case TextPart:
			if v.Text == "" && len(sig) == 0 {
				continue
			}
			out = append(out, &genai.Part{Text: v.Text, Thought: v.Thought, ThoughtSignature: sig})
		case FunctionCallPart:
			out = append(out, &genai.Part{
				FunctionCall:     &genai.FunctionCall{Name: v.Name, Args: v.Args},
				ThoughtSignature: sig,
			})
		case FunctionResponsePart:
			out = append(out, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: v.Name, Response: geminiResponseMap(v.Response)},
			})
			for _, att := range responseAttachments(v, cfg) {
				if p, err := geminiMediaPart(att); err != nil {
					return nil, err
				} else if p != nil {
					out = append(out, p)
				}
			}
		case InlineDataPart, FileRefPart:
			p, err := geminiMediaPart(v)
			if err != nil {
				return nil, err
			}
			if p != nil {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func geminiMediaPart(p Part) (*genai.Part, error) {
	switch v := p.(type) {
	case InlineDataPart:
		data, err := base64.StdEncoding.DecodeString(v.Data)
		if err != nil {
			return nil, fmt.Errorf("decode inline data %s: %w", v.Name, err)
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: v.MIMEType, Data: data}}, nil
	case FileRefPart:
		return &genai.Part{FileData: &genai.FileData{FileURI: v.URI, MIMEType: v.MIMEType}}, nil
	}
	return nil, nil
}

func geminiResponseMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": v}
}

func decodeSignature(sig string) ([]byte, error) {
	if sig == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("decode thought signature: %w", err)
	}
	return b, nil
}

// ConvertTools implements Format. Each tool becomes one function
// declaration inside a single genai.Tool.
func (GeminiFormat) ConvertTools(tools []ToolSpec) any {
	if len(tools) == 0 {
		return []*genai.Tool(nil)
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToGenai(t.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ParseResponse implements Format.
func (GeminiFormat) ParseResponse(body []byte) (Message, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Message{}, fmt.Errorf("decode gemini response: %w", err)
	}
	msg := Message{Role: RoleModel, Parts: geminiResponseParts(&resp), Usage: geminiUsage(&resp)}
	if len(msg.Parts) == 0 && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Message{}, &Error{Code: CodeProviderError, Provider: ProviderGemini,
			Message: "prompt blocked: " + string(resp.PromptFeedback.BlockReason)}
	}
	finishParsed(&msg)
	return msg, nil
}

// ParseStreamChunk implements Format. Every Gemini SSE payload is a
// complete GenerateContentResponse carrying the next slice of parts.
func (GeminiFormat) ParseStreamChunk(ev SSEEvent) (StreamDelta, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(ev.Data, &resp); err != nil {
		return StreamDelta{}, fmt.Errorf("decode gemini chunk: %w", err)
	}
	delta := StreamDelta{Parts: geminiResponseParts(&resp), Usage: geminiUsage(&resp)}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		delta.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return delta, nil
}

func geminiResponseParts(resp *genai.GenerateContentResponse) []Part {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var parts []Part
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.FunctionCall != nil:
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, FunctionCallPart{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: args})
		case p.InlineData != nil:
			parts = append(parts, InlineDataPart{
				MIMEType: p.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
			})
		case p.Text != "" || len(p.ThoughtSignature) > 0:
			if p.Text != "" {
				parts = append(parts, TextPart{Text: p.Text, Thought: p.Thought})
			}
		default:
			continue
		}
		if len(p.ThoughtSignature) > 0 {
			parts = append(parts, SignaturePart{Signatures: map[string]string{
				ProviderGemini: base64.StdEncoding.EncodeToString(p.ThoughtSignature),
			}})
		}
	}
	return parts
}

func geminiUsage(resp *genai.GenerateContentResponse) *Usage {
	if resp.UsageMetadata == nil || resp.UsageMetadata.TotalTokenCount == 0 {
		return nil
	}
	um := resp.UsageMetadata
	return &Usage{
		PromptTokens:    int(um.PromptTokenCount),
		CandidateTokens: int(um.CandidatesTokenCount),
		ThoughtTokens:   int(um.ThoughtsTokenCount),
		TotalTokens:     int(um.TotalTokenCount),
	}
}
