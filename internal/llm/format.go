package llm

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ProviderOptions are per-provider tuning knobs and capability flags.
type ProviderOptions struct {
	MaxOutputTokens       int     `mapstructure:"max_output_tokens" yaml:"max_output_tokens,omitempty"`
	Temperature           float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	ThinkingBudget        int     `mapstructure:"thinking_budget" yaml:"thinking_budget,omitempty"`
	ReasoningEffort       string  `mapstructure:"reasoning_effort" yaml:"reasoning_effort,omitempty"`
	MultimodalToolResults bool    `mapstructure:"multimodal_tool_results" yaml:"multimodal_tool_results,omitempty"`
	SendCurrentThoughts   bool    `mapstructure:"send_current_thoughts" yaml:"send_current_thoughts,omitempty"`
	SendHistoryThoughts   bool    `mapstructure:"send_history_thoughts" yaml:"send_history_thoughts,omitempty"`
	KeepThinkingRounds    int     `mapstructure:"keep_thinking_rounds" yaml:"keep_thinking_rounds,omitempty"`
}

// ProviderConfig is one configured model channel.
type ProviderConfig struct {
	Name     string `mapstructure:"-" yaml:"-"`
	Type     string `mapstructure:"type" yaml:"type"`
	URL      string `mapstructure:"url" yaml:"url,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model    string `mapstructure:"model" yaml:"model"`
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	ToolMode string `mapstructure:"tool_mode" yaml:"tool_mode,omitempty"`

	MaxContextTokens        int    `mapstructure:"max_context_tokens" yaml:"max_context_tokens,omitempty"`
	ContextThresholdEnabled bool   `mapstructure:"context_threshold_enabled" yaml:"context_threshold_enabled,omitempty"`
	ContextThreshold        string `mapstructure:"context_threshold" yaml:"context_threshold,omitempty"`
	ContextTrimExtraCut     string `mapstructure:"context_trim_extra_cut" yaml:"context_trim_extra_cut,omitempty"`

	SystemInstruction string            `mapstructure:"system_instruction" yaml:"system_instruction,omitempty"`
	CustomHeaders     map[string]string `mapstructure:"custom_headers" yaml:"custom_headers,omitempty"`
	CustomBody        map[string]any    `mapstructure:"custom_body" yaml:"custom_body,omitempty"`
	Options           ProviderOptions   `mapstructure:"options" yaml:"options,omitempty"`
}

// Mode returns the configured tool-calling mode.
func (c ProviderConfig) Mode() ToolMode {
	return ParseToolMode(c.ToolMode)
}

// GenerateRequest is the wire-agnostic input of a Format.
type GenerateRequest struct {
	History           []Message
	Config            ProviderConfig
	Tools             []ToolSpec
	SystemInstruction string
	Stream            bool
}

// WireRequest is a ready-to-send HTTP request.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// SSEEvent is one server-sent event: the optional event name and its data.
type SSEEvent struct {
	Event string
	Data  []byte
}

// StreamDelta is the normalized form of one streaming event.
type StreamDelta struct {
	Parts        []Part
	Usage        *Usage
	FinishReason string
	Done         bool
	Err          error
}

// Format translates between the unified history and one provider wire
// protocol. Implementations hold no per-request state.
type Format interface {
	BuildRequest(req GenerateRequest) (*WireRequest, error)
	ParseResponse(body []byte) (Message, error)
	ParseStreamChunk(ev SSEEvent) (StreamDelta, error)
	ConvertTools(tools []ToolSpec) any
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{}
)

// RegisterFormat makes a Format available under a provider type name.
func RegisterFormat(typ string, f Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[strings.ToLower(typ)] = f
}

// FormatFor looks up the Format for a provider type.
func FormatFor(typ string) (Format, error) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[strings.ToLower(typ)]
	if !ok {
		return nil, NewError(CodeConfigNotFound, "no wire format registered for provider type %q", typ)
	}
	return f, nil
}

// FormatTypes lists registered provider types.
func FormatTypes() []string {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	out := make([]string, 0, len(formats))
	for k := range formats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterFormat("gemini", GeminiFormat{})
	RegisterFormat("openai", ChatFormat{})
	RegisterFormat("openai-responses", ResponsesFormat{})
	RegisterFormat("anthropic", AnthropicFormat{})
}

// systemText joins the configured and request system instructions and, in
// text-embedded tool modes, appends the tool-calling prompt.
func systemText(req GenerateRequest) string {
	var parts []string
	if s := strings.TrimSpace(req.Config.SystemInstruction); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		parts = append(parts, s)
	}
	if mode := req.Config.Mode(); mode.TextEmbedded() && len(req.Tools) > 0 {
		parts = append(parts, RenderToolPrompt(mode, req.Tools))
	}
	return strings.Join(parts, "\n\n")
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func requireModel(cfg ProviderConfig) error {
	if cfg.Model == "" {
		return NewError(CodeConfigNotFound, "provider %q has no model configured", cfg.Name)
	}
	return nil
}
