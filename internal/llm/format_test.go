package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// toolRound is a small conversation with one completed tool round trip.
func toolRound() []Message {
	return []Message{
		UserText("list the go files"),
		{Role: RoleModel, Parts: []Part{
			TextPart{Text: "Looking."},
			FunctionCallPart{ID: "call_1", Name: "glob", Args: map[string]any{"pattern": "*.go"}},
		}},
		{Role: RoleUser, IsFunctionResponse: true, Parts: []Part{
			FunctionResponsePart{
				ID:       "call_1",
				Name:     "glob",
				Response: map[string]any{"result": "main.go"},
				Parts:    []Part{InlineDataPart{MIMEType: "image/png", Data: "iVBO"}},
			},
		}},
	}
}

var globTool = ToolSpec{
	Name:        "glob",
	Description: "Match files",
	Schema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"pattern": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"pattern"},
	},
}

func TestFormatRegistry(t *testing.T) {
	for _, typ := range []string{"gemini", "openai", "openai-responses", "anthropic"} {
		f, err := FormatFor(typ)
		require.NoError(t, err, typ)
		assert.NotNil(t, f)
	}
	_, err := FormatFor("carrier-pigeon")
	assert.Equal(t, CodeConfigNotFound, CodeOf(err))
	assert.Contains(t, FormatTypes(), "anthropic")
}

func TestBuildRequestRequiresModel(t *testing.T) {
	for _, typ := range FormatTypes() {
		f, _ := FormatFor(typ)
		_, err := f.BuildRequest(GenerateRequest{History: []Message{UserText("hi")}, Config: ProviderConfig{Name: "p", Type: typ}})
		assert.Equal(t, CodeConfigNotFound, CodeOf(err), typ)
	}
}

func TestTextModeRequestsCarryNoNativeTools(t *testing.T) {
	for _, typ := range FormatTypes() {
		t.Run(typ, func(t *testing.T) {
			f, _ := FormatFor(typ)
			wr, err := f.BuildRequest(GenerateRequest{
				History: toolRound(),
				Config:  ProviderConfig{Name: "p", Type: typ, Model: "m", ToolMode: "xml"},
				Tools:   []ToolSpec{globTool},
			})
			require.NoError(t, err)
			body := string(wr.Body)
			assert.False(t, gjson.Get(body, "tools").Exists())
			assert.Contains(t, body, `tool_call name=\"glob\"`)
			assert.Contains(t, body, `tool_result name=\"glob\" id=\"call_1\"`)
			assert.Contains(t, body, "TOOL_NAME")
			assert.Contains(t, body, "iVBO", "attachments travel as inline data in text modes")
		})
	}
}

func TestCustomBodyAndHeaders(t *testing.T) {
	wr, err := ChatFormat{}.BuildRequest(GenerateRequest{
		History: []Message{UserText("hi")},
		Config: ProviderConfig{
			Name: "p", Type: "openai", Model: "m", APIKey: "sk",
			CustomHeaders: map[string]string{"X-Trace": "on"},
			CustomBody:    map[string]any{"metadata.user": "u1", "top_p": 0.5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", gjson.GetBytes(wr.Body, "metadata.user").String())
	assert.Equal(t, 0.5, gjson.GetBytes(wr.Body, "top_p").Float())
	assert.Equal(t, "on", wr.Header.Get("X-Trace"))
	assert.Equal(t, "Bearer sk", wr.Header.Get("Authorization"))
}

func TestSystemTextJoinsConfigAndRequest(t *testing.T) {
	req := GenerateRequest{
		Config:            ProviderConfig{SystemInstruction: "be brief", ToolMode: "json"},
		SystemInstruction: "repo is go",
		Tools:             []ToolSpec{globTool},
	}
	sys := systemText(req)
	assert.Contains(t, sys, "be brief\n\nrepo is go")
	assert.Contains(t, sys, "<<<TOOL_CALL>>>")
}

func TestProviderErrorKeepsProviderDetail(t *testing.T) {
	e := providerError("openai", 429, []byte(`{"error":{"message":"Rate limit reached","code":"rate_limit_exceeded"}}`))
	assert.Equal(t, ErrorCode("rate_limit_exceeded"), e.Code)
	assert.Equal(t, "Rate limit reached", e.Message)
	assert.Equal(t, 429, e.Status)

	e = providerError("gemini", 500, []byte("upstream exploded"))
	assert.Equal(t, CodeProviderError, e.Code)
	assert.Equal(t, "upstream exploded", e.Message)
}

func TestOutgoingPartsDropsUnsignedThoughts(t *testing.T) {
	parts := []Part{
		TextPart{Text: "unsigned", Thought: true},
		TextPart{Text: "signed", Thought: true},
		SignaturePart{Signatures: map[string]string{ProviderAnthropic: "sig"}},
		RedactedThinkingPart{Provider: ProviderResponses, Data: "x"},
		TextPart{Text: "visible"},
	}
	out := outgoingParts(parts, ProviderAnthropic)
	require.Len(t, out, 2)
	assert.Equal(t, "signed", out[0].Part.(TextPart).Text)
	assert.Equal(t, "sig", out[0].Sig)
	assert.Equal(t, "visible", out[1].Part.(TextPart).Text)
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}
