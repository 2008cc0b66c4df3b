package engine

import (
	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/toolexec"
)

// State is a state of the tool iteration loop.
type State string

const (
	StateIterating            State = "ITERATING"
	StateExecuting            State = "EXECUTING"
	StateComplete             State = "COMPLETE"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateCancelled            State = "CANCELLED"
	StateMaxIterations        State = "MAX_ITERATIONS"
	StateFailed               State = "FAILED"
)

// Terminal reports whether the loop stops in this state.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateAwaitingConfirmation, StateCancelled, StateMaxIterations, StateFailed:
		return true
	}
	return false
}

// EventType identifies a streamed event.
type EventType string

const (
	EventChunk                   EventType = "chunk"
	EventToolConfirmationRequest EventType = "tool-confirmation-request"
	EventToolsExecuting          EventType = "tools-executing"
	EventToolIterationResult     EventType = "tool-iteration-result"
	EventCancelled               EventType = "cancelled"
	EventCompleted               EventType = "completed"
	EventError                   EventType = "error"
)

// Event is one item of a Stream. Which fields are set depends on Type:
//
//   - chunk: Parts holds the delta parts as they arrived.
//   - tool-confirmation-request: Calls holds every call of the turn and
//     Pending the ones that need a decision.
//   - tools-executing: Calls holds the calls about to run.
//   - tool-iteration-result: Results and Checkpoints describe the batch.
//   - completed: Content is the final answer text.
//   - error: Error is set.
type Event struct {
	Type        EventType
	State       State
	Iteration   int
	Parts       []llm.Part
	Calls       []llm.ToolCall
	Pending     []llm.ToolCall
	Results     []toolexec.Result
	Checkpoints []checkpoint.Checkpoint
	Content     string
	Error       *ErrorInfo
}

// ErrorInfo is the caller-facing error shape.
type ErrorInfo struct {
	Code    llm.ErrorCode `json:"code"`
	Message string        `json:"message"`
}

// Result is the outcome of a one-shot Run or Resume.
type Result struct {
	Success    bool
	Content    string
	State      State
	Iterations int
	Pending    []llm.ToolCall
	Error      *ErrorInfo
}
