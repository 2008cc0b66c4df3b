package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestResponsesBuildRequestEmitsOneItemPerPart(t *testing.T) {
	history := toolRound()
	history[1].Parts = append([]Part{
		TextPart{Text: "summary", Thought: true},
		RedactedThinkingPart{Provider: ProviderResponses, ID: "rs_1", Data: "enc=="},
		RedactedThinkingPart{Provider: ProviderAnthropic, Data: "not ours"},
	}, history[1].Parts...)

	cfg := ProviderConfig{Name: "r", Type: "openai-responses", Model: "gpt-test", SystemInstruction: "sys"}
	cfg.Options.ReasoningEffort = "high"
	wr, err := ResponsesFormat{}.BuildRequest(GenerateRequest{History: history, Config: cfg, Tools: []ToolSpec{globTool}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1/responses", wr.URL)

	body := gjson.ParseBytes(wr.Body)
	assert.Equal(t, "sys", body.Get("instructions").String())
	assert.False(t, body.Get("store").Bool())
	assert.True(t, body.Get("store").Exists())
	assert.Equal(t, "reasoning.encrypted_content", body.Get("include.0").String())
	assert.Equal(t, "high", body.Get("reasoning.effort").String())
	assert.Equal(t, "function", body.Get("tools.0.type").String())
	assert.Equal(t, "glob", body.Get("tools.0.name").String())

	var types []string
	for _, item := range body.Get("input").Array() {
		types = append(types, item.Get("type").String())
	}
	assert.Equal(t, []string{"message", "reasoning", "message", "function_call", "function_call_output"}, types)

	input := body.Get("input").Array()
	assert.Equal(t, "enc==", input[1].Get("encrypted_content").String())
	assert.True(t, input[1].Get("summary").IsArray())
	assert.Equal(t, "assistant", input[2].Get("role").String())
	assert.Equal(t, "call_1", input[3].Get("call_id").String())
	assert.Equal(t, `{"result":"main.go"}`, input[4].Get("output").String())
}

func TestResponsesParseResponse(t *testing.T) {
	body := []byte(`{"id":"resp_1","status":"completed","output":[
		{"type":"reasoning","id":"rs_1","encrypted_content":"enc","summary":[{"type":"summary_text","text":"thinking"}]},
		{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi"}]},
		{"type":"function_call","call_id":"call_1","name":"glob","arguments":"{\"pattern\":\"*\"}"}
	],"usage":{"input_tokens":10,"output_tokens":6,"total_tokens":16,"output_tokens_details":{"reasoning_tokens":2}}}`)
	msg, err := ResponsesFormat{}.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, []Part{
		TextPart{Text: "thinking", Thought: true},
		RedactedThinkingPart{Provider: ProviderResponses, ID: "rs_1", Data: "enc"},
		TextPart{Text: "hi"},
		FunctionCallPart{ID: "call_1", Name: "glob", Args: map[string]any{"pattern": "*"}},
	}, msg.Parts)
	assert.Equal(t, &Usage{PromptTokens: 10, CandidateTokens: 4, ThoughtTokens: 2, TotalTokens: 16}, msg.Usage)
}

func TestResponsesStreamReassembly(t *testing.T) {
	events := []string{
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.reasoning_summary_text.delta","output_index":0,"delta":"think"}`,
		`{"type":"response.output_item.done","output_index":0,"item":{"type":"reasoning","id":"rs_1","encrypted_content":"enc","summary":[{"type":"summary_text","text":"think"}]}}`,
		`{"type":"response.output_text.delta","output_index":1,"delta":"Let me look."}`,
		`{"type":"response.output_item.added","output_index":2,"item":{"type":"function_call","call_id":"call_7","name":"glob","arguments":""}}`,
		`{"type":"response.function_call_arguments.delta","output_index":2,"delta":"{\"pattern\":"}`,
		`{"type":"response.function_call_arguments.delta","output_index":2,"delta":"\"*.md\"}"}`,
		`{"type":"response.output_item.done","output_index":2,"item":{"type":"function_call","call_id":"call_7","name":"glob","arguments":"{\"pattern\":\"*.md\"}"}}`,
		`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":5,"output_tokens":3}}}`,
	}
	acc := NewAccumulator()
	var done bool
	for _, e := range events {
		delta, err := ResponsesFormat{}.ParseStreamChunk(SSEEvent{Data: []byte(e)})
		require.NoError(t, err)
		acc.Add(delta)
		done = delta.Done
	}
	assert.True(t, done)

	msg := acc.Content()
	require.Len(t, msg.Parts, 4)
	assert.Equal(t, TextPart{Text: "think", Thought: true}, msg.Parts[0])
	assert.Equal(t, RedactedThinkingPart{Provider: ProviderResponses, ID: "rs_1", Data: "enc"}, msg.Parts[1])
	assert.Equal(t, TextPart{Text: "Let me look."}, msg.Parts[2])
	assert.Equal(t, FunctionCallPart{ID: "call_7", Name: "glob", Args: map[string]any{"pattern": "*.md"}}, msg.Parts[3])
	assert.Equal(t, 8, msg.Usage.TotalTokens)
}

func TestResponsesStreamFailure(t *testing.T) {
	delta, err := ResponsesFormat{}.ParseStreamChunk(SSEEvent{Data: []byte(
		`{"type":"response.failed","response":{"status":"failed","error":{"code":"server_error","message":"boom"}}}`)})
	require.NoError(t, err)
	require.Error(t, delta.Err)
	assert.Contains(t, delta.Err.Error(), "boom")
}
