package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// abandonedCall is a turn whose tool call was never answered before the
// user moved on.
func abandonedCall() []Message {
	return []Message{
		UserText("list the go files"),
		{Role: RoleModel, Parts: []Part{
			TextPart{Text: "Looking."},
			FunctionCallPart{ID: "c1", Name: "glob", Args: map[string]any{"pattern": "*.go"}},
			SignaturePart{Signatures: map[string]string{ProviderGemini: "c2ln"}},
		}},
		UserText("never mind"),
	}
}

func TestSanitizeRewritesUnansweredCalls(t *testing.T) {
	out := sanitizeToolHistory(abandonedCall())
	require.Len(t, out, 3)
	assert.Equal(t, []Part{
		TextPart{Text: "Looking."},
		TextPart{Text: `[tool call not executed: id=c1 name=glob args={"pattern":"*.go"}]`},
	}, out[1].Parts)
	assert.Empty(t, out[1].ToolCalls())
	assert.Equal(t, "never mind", out[2].Text())
}

func TestSanitizeDropsOrphanResponses(t *testing.T) {
	history := []Message{
		{Role: RoleUser, IsFunctionResponse: true, Parts: []Part{
			FunctionResponsePart{ID: "gone", Name: "glob", Response: "trimmed away"},
		}},
		UserText("and now?"),
		{Role: RoleModel, Parts: []Part{FunctionCallPart{ID: "c2", Name: "read_file"}}},
		{Role: RoleUser, IsFunctionResponse: true, Parts: []Part{
			FunctionResponsePart{ID: "c2", Name: "read_file", Response: "ok"},
			FunctionResponsePart{ID: "c9", Name: "read_file", Response: "stray"},
		}},
	}
	out := sanitizeToolHistory(history)
	require.Len(t, out, 3)
	assert.Equal(t, "and now?", out[0].Text())
	assert.Equal(t, []ToolCall{{ID: "c2", Name: "read_file"}}, out[1].ToolCalls())
	responses := out[2].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "c2", responses[0].ID)
}

func TestSanitizeKeepsPairedHistory(t *testing.T) {
	assert.Equal(t, toolRound(), sanitizeToolHistory(toolRound()))
}

func TestUnansweredCallsNeverReachTheWire(t *testing.T) {
	req := GenerateRequest{History: abandonedCall()}

	req.Config = chatConfig()
	wr, err := ChatFormat{}.BuildRequest(req)
	require.NoError(t, err)
	msgs := gjson.GetBytes(wr.Body, "messages").Array()
	require.Len(t, msgs, 3)
	assert.False(t, msgs[1].Get("tool_calls").Exists())
	assert.Contains(t, msgs[1].Get("content").String(), "tool call not executed: id=c1")

	req.Config = anthropicConfig()
	wr, err = AnthropicFormat{}.BuildRequest(req)
	require.NoError(t, err)
	for _, block := range gjson.GetBytes(wr.Body, "messages.1.content").Array() {
		assert.NotEqual(t, "tool_use", block.Get("type").String())
	}

	req.Config = geminiConfig()
	wr, err = GeminiFormat{}.BuildRequest(req)
	require.NoError(t, err)
	assert.NotContains(t, string(wr.Body), "functionCall")
	assert.NotContains(t, string(wr.Body), "c2ln")
}

func TestTextModeAttachmentsFollowInOwnUserMessage(t *testing.T) {
	out := embedToolTraffic(toolRound(), ToolModeXML)
	require.Len(t, out, 4)

	results := out[2]
	assert.True(t, results.IsFunctionResponse)
	require.Len(t, results.Parts, 1)
	assert.Contains(t, results.Parts[0].(TextPart).Text, `tool_result name="glob" id="call_1"`)

	attachments := out[3]
	assert.Equal(t, RoleUser, attachments.Role)
	assert.False(t, attachments.IsFunctionResponse)
	assert.Equal(t, []Part{InlineDataPart{MIMEType: "image/png", Data: "iVBO"}}, attachments.Parts)
}
