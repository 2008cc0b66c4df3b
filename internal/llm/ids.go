package llm

import (
	"strings"

	"github.com/google/uuid"
)

// NewToolCallID returns a fresh identifier for a function call.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// EnsureToolCallIDs assigns a generated ID to every function call that has
// none and returns how many were filled.
func EnsureToolCallIDs(msg *Message) int {
	filled := 0
	seen := make(map[string]bool)
	for i, p := range msg.Parts {
		fc, ok := p.(FunctionCallPart)
		if !ok {
			continue
		}
		if fc.ID == "" || seen[fc.ID] {
			fc.ID = NewToolCallID()
			msg.Parts[i] = fc
			filled++
		}
		seen[fc.ID] = true
	}
	return filled
}
