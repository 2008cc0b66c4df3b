// Package toolexec runs a batch of model-requested tool calls and turns the
// outcomes into the function-response message that goes back to the model.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/mcp"
	"github.com/samsaffron/toolloop/internal/tools"
)

// ToolRegistry resolves local tools by name.
type ToolRegistry interface {
	Get(name string) (tools.Tool, bool)
}

// MCPBridge executes mcp__<server>__<tool> calls.
type MCPBridge interface {
	CallTool(ctx context.Context, fullName string, args map[string]any) (tools.Output, error)
}

// Checkpointer records a checkpoint of the current history.
type Checkpointer interface {
	Create(ctx context.Context, conversationID string, kind checkpoint.Kind) (checkpoint.Checkpoint, error)
}

// CheckpointPolicy decides which tool-batch checkpoints are taken.
type CheckpointPolicy interface {
	ShouldCreateBeforeToolCheckpoint() bool
	ShouldCreateAfterToolCheckpoint() bool
}

// Result is the outcome of one tool call.
type Result struct {
	CallID      string
	Name        string
	Success     bool
	Output      string
	Error       string
	ErrorType   tools.ToolErrorType
	Rejected    bool
	Cancelled   bool
	Attachments []llm.InlineDataPart
	Duration    time.Duration
}

// Response is the structured payload sent back to the model. Failures use
// an "error" key, which providers such as Anthropic read as is_error.
func (r Result) Response() map[string]any {
	if r.Success {
		return map[string]any{"result": r.Output}
	}
	resp := map[string]any{"error": r.Error}
	if r.ErrorType != "" {
		resp["type"] = string(r.ErrorType)
	}
	if r.Output != "" {
		resp["output"] = r.Output
	}
	return resp
}

// ExecuteRequest is one batch of calls from a single model turn.
type ExecuteRequest struct {
	ConversationID string
	Calls          []llm.ToolCall
	Mode           llm.ToolMode
	// Multimodal reports whether the provider accepts attachments nested in
	// native function responses.
	Multimodal bool
	// Rejections maps call IDs the user declined to an optional reason.
	Rejections map[string]string
}

// Batch is the outcome of Execute.
type Batch struct {
	Results     []Result
	Message     llm.Message
	Checkpoints []checkpoint.Checkpoint
}

// Router dispatches tool calls to the local registry or the MCP bridge.
type Router struct {
	registry    ToolRegistry
	bridge      MCPBridge
	checkpoints Checkpointer
	policy      CheckpointPolicy
	log         zerolog.Logger
}

// New creates a Router. bridge, checkpoints and policy may be nil.
func New(registry ToolRegistry, bridge MCPBridge, checkpoints Checkpointer, policy CheckpointPolicy, log zerolog.Logger) *Router {
	return &Router{
		registry:    registry,
		bridge:      bridge,
		checkpoints: checkpoints,
		policy:      policy,
		log:         log,
	}
}

// Execute runs the calls in order. When ctx is cancelled mid-batch the
// remaining calls are reported as cancelled and the partial batch is
// returned together with the context error.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (Batch, error) {
	var batch Batch
	log := r.log.With().Str("conversation", req.ConversationID).Logger()

	if r.checkpoints != nil && r.policy != nil && r.policy.ShouldCreateBeforeToolCheckpoint() {
		if cp, err := r.checkpoints.Create(ctx, req.ConversationID, checkpoint.BeforeTools); err != nil {
			log.Warn().Err(err).Msg("before-tools checkpoint failed")
		} else {
			batch.Checkpoints = append(batch.Checkpoints, cp)
		}
	}

	var cancelErr error
	for _, call := range req.Calls {
		if reason, rejected := req.Rejections[call.ID]; rejected {
			batch.Results = append(batch.Results, rejectedResult(call, reason))
			continue
		}
		if cancelErr == nil {
			cancelErr = ctx.Err()
		}
		if cancelErr != nil {
			batch.Results = append(batch.Results, Result{
				CallID:    call.ID,
				Name:      call.Name,
				Error:     "tool execution cancelled",
				Cancelled: true,
			})
			continue
		}
		res := r.run(ctx, call)
		log.Debug().
			Str("tool", call.Name).
			Str("call", call.ID).
			Bool("success", res.Success).
			Dur("duration", res.Duration).
			Msg("tool executed")
		batch.Results = append(batch.Results, res)
	}

	if r.checkpoints != nil && r.policy != nil && r.policy.ShouldCreateAfterToolCheckpoint() {
		cpCtx := ctx
		if ctx.Err() != nil {
			cpCtx = context.WithoutCancel(ctx)
		}
		if cp, err := r.checkpoints.Create(cpCtx, req.ConversationID, checkpoint.AfterTools); err != nil {
			log.Warn().Err(err).Msg("after-tools checkpoint failed")
		} else {
			batch.Checkpoints = append(batch.Checkpoints, cp)
		}
	}

	batch.Message = BuildMessage(batch.Results, req.Mode, req.Multimodal)
	if cancelErr != nil {
		return batch, cancelErr
	}
	return batch, nil
}

func rejectedResult(call llm.ToolCall, reason string) Result {
	msg := "tool call rejected by user"
	if reason != "" {
		msg += ": " + reason
	}
	return Result{CallID: call.ID, Name: call.Name, Error: msg, ErrorType: tools.ErrPermissionDenied, Rejected: true}
}

// run executes one call, converting every failure into a Result.
func (r *Router) run(ctx context.Context, call llm.ToolCall) (res Result) {
	start := time.Now()
	res = Result{CallID: call.ID, Name: call.Name}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Str("tool", call.Name).
				Str("stack", string(debug.Stack())).
				Msgf("tool panicked: %v", p)
			res.Success = false
			res.Error = fmt.Sprintf("tool panicked: %v", p)
			res.ErrorType = tools.ErrExecutionFailed
		}
		res.Duration = time.Since(start)
	}()

	out, err := r.dispatch(ctx, call)
	res.Output = out.Text
	res.Attachments = out.Attachments
	if err != nil {
		var te *tools.ToolError
		if errors.As(err, &te) {
			res.Error = te.Message
			res.ErrorType = te.Type
		} else {
			res.Error = err.Error()
			res.ErrorType = tools.ErrExecutionFailed
		}
		res.Cancelled = errors.Is(err, context.Canceled)
		return res
	}
	res.Success = true
	return res
}

func (r *Router) dispatch(ctx context.Context, call llm.ToolCall) (tools.Output, error) {
	if mcp.IsToolName(call.Name) {
		if r.bridge == nil {
			return tools.Output{}, tools.NewToolErrorf(tools.ErrExecutionFailed, "MCP is not configured, cannot call %s", call.Name)
		}
		return r.bridge.CallTool(ctx, call.Name, call.Args)
	}

	tool, ok := r.registry.Get(call.Name)
	if !ok {
		return tools.Output{}, tools.NewToolErrorf(tools.ErrInvalidParams, "unknown tool: %s", call.Name)
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return tools.Output{}, tools.NewToolErrorf(tools.ErrInvalidParams, "encode arguments: %v", err)
	}
	return tool.Execute(ctx, raw)
}

// BuildMessage assembles the function-response message for a batch.
// Native mode nests attachments in each response when the provider accepts
// them and otherwise drops them with a note; text modes append them after
// all responses.
func BuildMessage(results []Result, mode llm.ToolMode, multimodal bool) llm.Message {
	msg := llm.Message{Role: llm.RoleUser, IsFunctionResponse: true, CreatedAt: time.Now()}
	var trailing []llm.Part
	for _, res := range results {
		fr := llm.FunctionResponsePart{ID: res.CallID, Name: res.Name}
		resp := res.Response()
		if n := len(res.Attachments); n > 0 {
			switch {
			case mode.TextEmbedded():
				for _, a := range res.Attachments {
					trailing = append(trailing, a)
				}
			case multimodal:
				for _, a := range res.Attachments {
					fr.Parts = append(fr.Parts, a)
				}
			default:
				resp["note"] = fmt.Sprintf("%d attachment(s) omitted: this provider does not accept images in tool results", n)
			}
		}
		fr.Response = resp
		msg.Parts = append(msg.Parts, fr)
	}
	msg.Parts = append(msg.Parts, trailing...)
	return msg
}
