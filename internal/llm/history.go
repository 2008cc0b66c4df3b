package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// signedPart is a content part paired with the signature the owning
// provider attached to it.
type signedPart struct {
	Part
	Sig string
}

// outgoingParts prepares a message's parts for one provider: signature parts
// are folded into the part they sign, unsigned reasoning text is dropped,
// and reasoning blobs owned by other providers are skipped.
func outgoingParts(parts []Part, provider string) []signedPart {
	out := make([]signedPart, 0, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case SignaturePart:
			continue
		case TextPart:
			sig := signatureFor(parts, i, provider)
			if v.Thought && sig == "" {
				continue
			}
			out = append(out, signedPart{Part: v, Sig: sig})
		case RedactedThinkingPart:
			if v.Provider != provider {
				continue
			}
			out = append(out, signedPart{Part: v})
		default:
			out = append(out, signedPart{Part: p, Sig: signatureFor(parts, i, provider)})
		}
	}
	return out
}

// embedToolTraffic rewrites native tool traffic as text for the
// text-embedded tool modes. Function calls become rendered call blocks in
// the model turn and function responses rendered result blocks in the user
// turn. Attachments of a tool-result turn move to a following user message
// as inline data.
func embedToolTraffic(history []Message, mode ToolMode) []Message {
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		cp := msg
		cp.Parts = make([]Part, 0, len(msg.Parts))
		var attachments []Part
		for _, p := range msg.Parts {
			switch v := p.(type) {
			case FunctionCallPart:
				cp.Parts = append(cp.Parts, TextPart{Text: RenderToolCall(mode, v.Name, v.Args)})
			case FunctionResponsePart:
				cp.Parts = append(cp.Parts, TextPart{Text: RenderToolResult(mode, v.ID, v.Name, v.Response)})
				attachments = append(attachments, v.Parts...)
			case InlineDataPart, FileRefPart:
				if msg.IsFunctionResponse {
					attachments = append(attachments, p)
					continue
				}
				cp.Parts = append(cp.Parts, p)
			default:
				cp.Parts = append(cp.Parts, p)
			}
		}
		out = append(out, cp)
		if len(attachments) > 0 {
			out = append(out, Message{Role: RoleUser, Parts: attachments, CreatedAt: msg.CreatedAt})
		}
	}
	return out
}

// prepareHistory applies the rewrites shared by all formats: tool-call
// pairing repair, then the mode-dependent text embedding.
func prepareHistory(req GenerateRequest) []Message {
	history := sanitizeToolHistory(req.History)
	if mode := req.Config.Mode(); mode.TextEmbedded() {
		return embedToolTraffic(history, mode)
	}
	return history
}

// sanitizeToolHistory pairs every function call with its response. A
// response whose call is not in the history is dropped. A call that never
// got a response, such as one persisted by a cancelled stream or one a user
// answered with a new message instead of a confirmation, is rewritten as
// text so the model still sees what it attempted. Other content is kept.
func sanitizeToolHistory(history []Message) []Message {
	type callRef struct{ msg, part int }
	pending := make(map[string][]callRef)
	answered := make(map[callRef]bool)

	kept := make([]Message, 0, len(history))
	for _, msg := range history {
		switch {
		case msg.Role == RoleModel:
			for j, p := range msg.Parts {
				if fc, ok := p.(FunctionCallPart); ok && fc.ID != "" {
					pending[fc.ID] = append(pending[fc.ID], callRef{len(kept), j})
				}
			}
			kept = append(kept, msg)
		case hasFunctionResponse(msg):
			cp := msg
			cp.Parts = make([]Part, 0, len(msg.Parts))
			for _, p := range msg.Parts {
				fr, ok := p.(FunctionResponsePart)
				if !ok {
					cp.Parts = append(cp.Parts, p)
					continue
				}
				refs := pending[fr.ID]
				if len(refs) == 0 {
					continue
				}
				answered[refs[0]] = true
				if len(refs) == 1 {
					delete(pending, fr.ID)
				} else {
					pending[fr.ID] = refs[1:]
				}
				cp.Parts = append(cp.Parts, p)
			}
			if len(cp.Parts) > 0 {
				kept = append(kept, cp)
			}
		default:
			kept = append(kept, msg)
		}
	}

	for i, msg := range kept {
		if msg.Role != RoleModel {
			continue
		}
		var rewritten []Part
		changed := false
		for j := 0; j < len(msg.Parts); j++ {
			fc, ok := msg.Parts[j].(FunctionCallPart)
			if !ok || answered[callRef{i, j}] {
				rewritten = append(rewritten, msg.Parts[j])
				continue
			}
			changed = true
			rewritten = append(rewritten, TextPart{Text: interruptedCallText(fc)})
			if j+1 < len(msg.Parts) {
				if _, sig := msg.Parts[j+1].(SignaturePart); sig {
					j++
				}
			}
		}
		if changed {
			kept[i].Parts = rewritten
		}
	}
	return kept
}

func hasFunctionResponse(msg Message) bool {
	for _, p := range msg.Parts {
		if _, ok := p.(FunctionResponsePart); ok {
			return true
		}
	}
	return false
}

func interruptedCallText(fc FunctionCallPart) string {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("[tool call not executed: id=%s name=%s args=%s]", fc.ID, fc.Name, args)
}

// responseAttachments returns the attachments of a function response that
// a native-mode request may carry.
func responseAttachments(fr FunctionResponsePart, cfg ProviderConfig) []Part {
	if !cfg.Options.MultimodalToolResults {
		return nil
	}
	return fr.Parts
}

// joinText concatenates the text of the given parts, skipping reasoning.
func joinText(parts []signedPart) string {
	var sb strings.Builder
	for _, sp := range parts {
		if t, ok := sp.Part.(TextPart); ok && !t.Thought {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// finishParsed applies the auto-detection fallback to a parsed reply: when
// the provider returned no native call, embedded call blocks in the text
// are lifted into function-call parts.
func finishParsed(msg *Message) {
	if len(msg.ToolCalls()) == 0 {
		NormalizeEmbeddedToolCalls(msg)
	}
}
