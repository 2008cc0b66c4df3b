package llm

import (
	"encoding/json"
	"fmt"
	"time"
)

// partEnvelope is the persisted form of a Part: a type tag plus the fields
// of whichever variant it carries.
type partEnvelope struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Thought     bool              `json:"thought,omitempty"`
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Args        map[string]any    `json:"args,omitempty"`
	Response    json.RawMessage   `json:"response,omitempty"`
	Parts       []partEnvelope    `json:"parts,omitempty"`
	MIMEType    string            `json:"mime_type,omitempty"`
	Data        string            `json:"data,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Signatures  map[string]string `json:"signatures,omitempty"`
	Provider    string            `json:"provider,omitempty"`
}

func toEnvelope(p Part) (partEnvelope, error) {
	env := partEnvelope{Type: p.partKind()}
	switch v := p.(type) {
	case TextPart:
		env.Text = v.Text
		env.Thought = v.Thought
	case FunctionCallPart:
		env.ID = v.ID
		env.Name = v.Name
		env.Args = v.Args
	case FunctionResponsePart:
		env.ID = v.ID
		env.Name = v.Name
		if v.Response != nil {
			raw, err := json.Marshal(v.Response)
			if err != nil {
				return env, fmt.Errorf("encode response of %s: %w", v.Name, err)
			}
			env.Response = raw
		}
		for _, nested := range v.Parts {
			ne, err := toEnvelope(nested)
			if err != nil {
				return env, err
			}
			env.Parts = append(env.Parts, ne)
		}
	case InlineDataPart:
		env.MIMEType = v.MIMEType
		env.Data = v.Data
		env.ID = v.ID
		env.Name = v.Name
		env.DisplayName = v.DisplayName
	case FileRefPart:
		env.URI = v.URI
		env.MIMEType = v.MIMEType
	case SignaturePart:
		env.Signatures = v.Signatures
	case RedactedThinkingPart:
		env.Provider = v.Provider
		env.ID = v.ID
		env.Data = v.Data
	default:
		return env, fmt.Errorf("unknown part type %T", p)
	}
	return env, nil
}

func fromEnvelope(env partEnvelope) (Part, error) {
	switch env.Type {
	case "text":
		return TextPart{Text: env.Text, Thought: env.Thought}, nil
	case "function_call":
		args := env.Args
		if args == nil {
			args = map[string]any{}
		}
		return FunctionCallPart{ID: env.ID, Name: env.Name, Args: args}, nil
	case "function_response":
		fr := FunctionResponsePart{ID: env.ID, Name: env.Name}
		if len(env.Response) > 0 {
			if err := json.Unmarshal(env.Response, &fr.Response); err != nil {
				return nil, fmt.Errorf("decode response of %s: %w", env.Name, err)
			}
		}
		for _, ne := range env.Parts {
			nested, err := fromEnvelope(ne)
			if err != nil {
				return nil, err
			}
			fr.Parts = append(fr.Parts, nested)
		}
		return fr, nil
	case "inline_data":
		return InlineDataPart{MIMEType: env.MIMEType, Data: env.Data, ID: env.ID, Name: env.Name, DisplayName: env.DisplayName}, nil
	case "file_ref":
		return FileRefPart{URI: env.URI, MIMEType: env.MIMEType}, nil
	case "signature":
		return SignaturePart{Signatures: env.Signatures}, nil
	case "redacted_thinking":
		return RedactedThinkingPart{Provider: env.Provider, ID: env.ID, Data: env.Data}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", env.Type)
	}
}

// MarshalParts encodes parts into their tagged JSON form.
func MarshalParts(parts []Part) ([]byte, error) {
	envs := make([]partEnvelope, 0, len(parts))
	for _, p := range parts {
		env, err := toEnvelope(p)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// UnmarshalParts decodes parts produced by MarshalParts.
func UnmarshalParts(data []byte) ([]Part, error) {
	var envs []partEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	parts := make([]Part, 0, len(envs))
	for _, env := range envs {
		p, err := fromEnvelope(env)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

type messageJSON struct {
	Role               Role            `json:"role"`
	Parts              json.RawMessage `json:"parts"`
	IsFunctionResponse bool            `json:"is_function_response,omitempty"`
	IsSummary          bool            `json:"is_summary,omitempty"`
	Usage              *Usage          `json:"usage,omitempty"`
	EstimatedTokens    int             `json:"estimated_tokens,omitempty"`
	ThinkingStartedAt  *time.Time      `json:"thinking_started_at,omitempty"`
	ThinkingDurationMs int64           `json:"thinking_duration_ms,omitempty"`
	ResponseDurationMs int64           `json:"response_duration_ms,omitempty"`
	CreatedAt          *time.Time      `json:"created_at,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	parts, err := MarshalParts(m.Parts)
	if err != nil {
		return nil, err
	}
	out := messageJSON{
		Role:               m.Role,
		Parts:              parts,
		IsFunctionResponse: m.IsFunctionResponse,
		IsSummary:          m.IsSummary,
		Usage:              m.Usage,
		EstimatedTokens:    m.EstimatedTokens,
		ThinkingDurationMs: m.ThinkingDuration.Milliseconds(),
		ResponseDurationMs: m.ResponseDuration.Milliseconds(),
	}
	if !m.ThinkingStartedAt.IsZero() {
		t := m.ThinkingStartedAt
		out.ThinkingStartedAt = &t
	}
	if !m.CreatedAt.IsZero() {
		t := m.CreatedAt
		out.CreatedAt = &t
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var parts []Part
	if len(in.Parts) > 0 {
		var err error
		if parts, err = UnmarshalParts(in.Parts); err != nil {
			return err
		}
	}
	*m = Message{
		Role:               in.Role,
		Parts:              parts,
		IsFunctionResponse: in.IsFunctionResponse,
		IsSummary:          in.IsSummary,
		Usage:              in.Usage,
		EstimatedTokens:    in.EstimatedTokens,
		ThinkingDuration:   time.Duration(in.ThinkingDurationMs) * time.Millisecond,
		ResponseDuration:   time.Duration(in.ResponseDurationMs) * time.Millisecond,
	}
	if in.ThinkingStartedAt != nil {
		m.ThinkingStartedAt = *in.ThinkingStartedAt
	}
	if in.CreatedAt != nil {
		m.CreatedAt = *in.CreatedAt
	}
	return nil
}
