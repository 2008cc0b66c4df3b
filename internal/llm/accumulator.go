package llm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Accumulator merges streamed deltas into one model message. It is owned by
// a single consumer and is not safe for concurrent use.
type Accumulator struct {
	parts []Part
	// pending maps a fragment index to its position in parts.
	pending map[int]int
	usage   *Usage

	now             func() time.Time
	started         time.Time
	thinkingStarted time.Time
	thinkingEnded   time.Time
	lastFragment    time.Time

	log zerolog.Logger
}

// NewAccumulator starts a new accumulation, timing from now.
func NewAccumulator() *Accumulator {
	return newAccumulatorAt(time.Now)
}

func newAccumulatorAt(now func() time.Time) *Accumulator {
	return &Accumulator{
		pending: make(map[int]int),
		now:     now,
		started: now(),
		log:     zerolog.Nop(),
	}
}

// SetLogger sets the logger used for argument parse warnings.
func (a *Accumulator) SetLogger(log zerolog.Logger) {
	a.log = log
}

// Add merges one delta.
func (a *Accumulator) Add(delta StreamDelta) {
	now := a.now()
	if delta.Usage != nil {
		a.usage = mergeUsage(a.usage, *delta.Usage)
	}
	for _, p := range delta.Parts {
		a.lastFragment = now
		a.trackThinking(p, now)
		a.addPart(p)
	}
}

func (a *Accumulator) trackThinking(p Part, now time.Time) {
	thought := false
	switch v := p.(type) {
	case TextPart:
		thought = v.Thought
	case RedactedThinkingPart, SignaturePart:
		return
	}
	if thought {
		if a.thinkingStarted.IsZero() {
			a.thinkingStarted = now
		}
		return
	}
	if !a.thinkingStarted.IsZero() && a.thinkingEnded.IsZero() {
		a.thinkingEnded = now
	}
}

func (a *Accumulator) addPart(p Part) {
	switch v := p.(type) {
	case TextPart:
		if v.Text == "" {
			return
		}
		if n := len(a.parts); n > 0 {
			if last, ok := a.parts[n-1].(TextPart); ok && last.Thought == v.Thought {
				last.Text += v.Text
				a.parts[n-1] = last
				return
			}
		}
		a.parts = append(a.parts, v)
	case FunctionCallPart:
		if !v.Fragment {
			a.parts = append(a.parts, v)
			return
		}
		if pos, ok := a.pending[v.Index]; ok {
			cur := a.parts[pos].(FunctionCallPart)
			if cur.ID == "" {
				cur.ID = v.ID
			}
			if cur.Name == "" {
				cur.Name = v.Name
			}
			cur.PartialArgs += v.PartialArgs
			a.parts[pos] = cur
			return
		}
		a.pending[v.Index] = len(a.parts)
		a.parts = append(a.parts, v)
	case SignaturePart:
		if n := len(a.parts); n > 0 {
			if last, ok := a.parts[n-1].(SignaturePart); ok {
				merged := make(map[string]string, len(last.Signatures)+len(v.Signatures))
				for k, s := range last.Signatures {
					merged[k] = s
				}
				for k, s := range v.Signatures {
					merged[k] += s
				}
				a.parts[n-1] = SignaturePart{Signatures: merged}
				return
			}
		}
		a.parts = append(a.parts, v)
	default:
		a.parts = append(a.parts, p)
	}
}

// HasParts reports whether anything has been accumulated.
func (a *Accumulator) HasParts() bool {
	return len(a.parts) > 0
}

// Usage returns the usage reported so far, merged across deltas.
func (a *Accumulator) Usage() *Usage {
	return a.usage
}

// Content returns a snapshot of the accumulated message. Pending argument
// fragments are parsed into Args; the accumulator itself is left intact.
func (a *Accumulator) Content() Message {
	parts := make([]Part, 0, len(a.parts))
	for _, p := range a.parts {
		if fc, ok := p.(FunctionCallPart); ok && fc.Fragment {
			parts = append(parts, a.finishCall(fc))
			continue
		}
		parts = append(parts, p)
	}

	msg := Message{Role: RoleModel, Parts: parts, CreatedAt: a.now()}
	if a.usage != nil {
		u := *a.usage
		msg.Usage = &u
	}
	if !a.thinkingStarted.IsZero() {
		msg.ThinkingStartedAt = a.thinkingStarted
		end := a.thinkingEnded
		if end.IsZero() {
			end = a.lastFragment
		}
		msg.ThinkingDuration = end.Sub(a.thinkingStarted)
	}
	msg.ResponseDuration = a.now().Sub(a.started)
	return msg
}

func (a *Accumulator) finishCall(fc FunctionCallPart) FunctionCallPart {
	out := FunctionCallPart{ID: fc.ID, Name: fc.Name, Args: fc.Args}
	raw := strings.TrimSpace(fc.PartialArgs)
	if raw == "" {
		if out.Args == nil {
			out.Args = map[string]any{}
		}
		return out
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		a.log.Warn().Str("tool", fc.Name).Err(err).Msg("unparseable streamed tool arguments")
		args = map[string]any{}
	}
	out.Args = args
	return out
}

// mergeUsage folds a later usage report into an earlier one. Providers
// split accounting across events, so zero fields keep the earlier value.
func mergeUsage(prev *Usage, next Usage) *Usage {
	var u Usage
	if prev != nil {
		u = *prev
	}
	if next.PromptTokens > 0 {
		u.PromptTokens = next.PromptTokens
	}
	if next.CandidateTokens > 0 {
		u.CandidateTokens = next.CandidateTokens
	}
	if next.ThoughtTokens > 0 {
		u.ThoughtTokens = next.ThoughtTokens
	}
	if next.TotalTokens > 0 {
		u.TotalTokens = next.TotalTokens
	}
	if sum := u.PromptTokens + u.CandidateTokens + u.ThoughtTokens; u.TotalTokens < sum {
		u.TotalTokens = sum
	}
	return &u
}
