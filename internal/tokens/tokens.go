// Package tokens estimates token counts for history messages when the
// provider has not reported usage.
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/llm"
)

const (
	encodingName = "cl100k_base"
	// messageOverhead covers role markers and separators.
	messageOverhead = 4
	// mediaTokens is the flat cost charged for an attachment.
	mediaTokens = 258
)

// Estimator counts tokens in a string.
type Estimator interface {
	Count(text string) int
}

// Heuristic estimates about four ASCII characters per token and two tokens
// per non-ASCII rune.
type Heuristic struct{}

// Count implements Estimator.
func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	ascii, other := 0, 0
	for _, r := range text {
		if r <= 127 {
			ascii++
		} else {
			other++
		}
	}
	n := (ascii+3)/4 + other*2
	if n == 0 {
		n = 1
	}
	return n
}

// Tiktoken counts BPE tokens with the cl100k_base encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the encoding. It can fail when the BPE ranks are
// neither cached nor downloadable.
func NewTiktoken() (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Estimator.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

var (
	defaultOnce sync.Once
	defaultEst  Estimator
)

// Default returns the process-wide estimator: tiktoken when it loads,
// otherwise the heuristic.
func Default(log zerolog.Logger) Estimator {
	defaultOnce.Do(func() {
		tk, err := NewTiktoken()
		if err != nil {
			log.Warn().Err(err).Msg("token estimation falls back to heuristic")
			defaultEst = Heuristic{}
			return
		}
		defaultEst = tk
	})
	return defaultEst
}

// Message estimates the content tokens of a message. Thought text is
// counted only when includeThoughts is set.
func Message(e Estimator, m llm.Message, includeThoughts bool) int {
	n := messageOverhead
	for _, p := range m.Parts {
		n += part(e, p, includeThoughts)
	}
	return n
}

// Thoughts estimates only the reasoning text of a message.
func Thoughts(e Estimator, m llm.Message) int {
	return e.Count(m.ThoughtText())
}

func part(e Estimator, p llm.Part, includeThoughts bool) int {
	switch v := p.(type) {
	case llm.TextPart:
		if v.Thought && !includeThoughts {
			return 0
		}
		return e.Count(v.Text)
	case llm.FunctionCallPart:
		args, _ := json.Marshal(v.Args)
		return e.Count(v.Name) + e.Count(string(args))
	case llm.FunctionResponsePart:
		resp, _ := json.Marshal(v.Response)
		n := e.Count(v.Name) + e.Count(string(resp))
		for _, nested := range v.Parts {
			n += part(e, nested, includeThoughts)
		}
		return n
	case llm.InlineDataPart, llm.FileRefPart:
		return mediaTokens
	}
	return 0
}
