package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/tokens"
	"github.com/samsaffron/toolloop/internal/toolexec"
	"github.com/samsaffron/toolloop/internal/trim"
)

// runner is the state of one controller invocation.
type runner struct {
	c         *Controller
	conv      string
	cfg       llm.ProviderConfig
	format    llm.Format
	streaming bool
	sink      func(Event)
	log       zerolog.Logger

	state      State
	iterations int
	content    string
	pending    []llm.ToolCall
}

func (r *runner) setState(s State) {
	if r.state != s {
		r.log.Debug().Str("state", string(s)).Int("iteration", r.iterations).Msg("state change")
	}
	r.state = s
}

func (r *runner) emit(ev Event) {
	ev.State = r.state
	ev.Iteration = r.iterations
	r.sink(ev)
}

// start appends the new user message, if any, and runs the loop.
func (r *runner) start(ctx context.Context, msg *llm.Message) error {
	if msg != nil {
		m := *msg
		m.Role = llm.RoleUser
		if m.EstimatedTokens == 0 {
			m.EstimatedTokens = tokens.Message(r.c.est, m, false)
		}
		if _, err := r.c.store.AddMessage(ctx, r.conv, m); err != nil {
			return fmt.Errorf("persist user message: %w", err)
		}
	}
	return r.loop(ctx)
}

// resume validates the suspended turn, runs the approved calls and
// continues the loop.
func (r *runner) resume(ctx context.Context, in ResumeInput) error {
	history, err := r.c.store.GetHistory(ctx, r.conv)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return llm.NewError(llm.CodeNoHistory, "conversation %s has no messages", r.conv)
	}
	last := history[len(history)-1]
	if last.Role != llm.RoleModel {
		return llm.NewError(llm.CodeInvalidState, "last message is not a model message")
	}
	calls := last.ToolCalls()
	if len(calls) == 0 {
		return llm.NewError(llm.CodeNoFunctionCalls, "last model message has no tool calls")
	}

	rejections := make(map[string]string)
	for _, call := range calls {
		d, ok := in.Decisions[call.ID]
		approved := d.Approved
		if !ok {
			approved = in.ApproveAll || r.c.settings.IsToolAutoExec(call.Name)
		}
		if !approved {
			rejections[call.ID] = d.Reason
		}
	}
	r.log.Info().Int("calls", len(calls)).Int("rejected", len(rejections)).Msg("resuming after confirmation")

	stop, err := r.execute(ctx, calls, rejections)
	if err != nil || stop {
		return err
	}
	return r.loop(ctx)
}

// retry drops a trailing model message and re-runs the loop.
func (r *runner) retry(ctx context.Context) error {
	history, err := r.c.store.GetHistory(ctx, r.conv)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return llm.NewError(llm.CodeNoHistory, "conversation %s has no messages", r.conv)
	}
	if history[len(history)-1].Role == llm.RoleModel {
		if err := r.c.DeleteFrom(ctx, r.conv, len(history)-1); err != nil {
			return err
		}
	}
	return r.loop(ctx)
}

func (r *runner) loop(ctx context.Context) error {
	limit := r.c.maxIterations()
	for iteration := 1; ; iteration++ {
		r.iterations = iteration
		if ctx.Err() != nil {
			r.cancel()
			return nil
		}
		if limit >= 0 && iteration > limit {
			r.iterations = limit
			r.setState(StateMaxIterations)
			return llm.NewError(llm.CodeMaxToolIterations, "stopped after %d tool iterations", limit)
		}
		r.setState(StateIterating)

		if r.c.settings.ShouldCreateBeforeModelCheckpoint(iteration) {
			r.c.takeCheckpoint(ctx, r.log, r.conv, checkpoint.BeforeModel)
		}

		req, err := r.buildRequest(ctx)
		if err != nil {
			return err
		}

		msg, err := r.call(ctx, req)
		if err != nil {
			if ctx.Err() != nil || llm.IsCancelled(err) {
				if len(msg.Parts) > 0 {
					finalize(&msg)
					if _, perr := r.c.store.AddMessage(context.WithoutCancel(ctx), r.conv, msg); perr != nil {
						r.log.Error().Err(perr).Msg("failed to persist partial message")
					}
				}
				r.cancel()
				return nil
			}
			return err
		}

		if len(msg.Parts) == 0 {
			r.log.Warn().Msg("provider returned an empty response")
			r.content = ""
			r.setState(StateComplete)
			r.emit(Event{Type: EventCompleted})
			return nil
		}
		if filled := finalize(&msg); filled > 0 {
			r.log.Debug().Int("ids", filled).Msg("assigned tool call ids")
		}
		if _, err := r.c.store.AddMessage(context.WithoutCancel(ctx), r.conv, msg); err != nil {
			return fmt.Errorf("persist model message: %w", err)
		}
		r.content = msg.Text()
		if ctx.Err() != nil {
			r.cancel()
			return nil
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			if r.c.settings.ShouldCreateAfterModelCheckpoint() {
				r.c.takeCheckpoint(ctx, r.log, r.conv, checkpoint.AfterModel)
			}
			r.setState(StateComplete)
			r.emit(Event{Type: EventCompleted, Content: r.content})
			return nil
		}

		var pending []llm.ToolCall
		for _, call := range calls {
			if !r.c.settings.IsToolAutoExec(call.Name) {
				pending = append(pending, call)
			}
		}
		if len(pending) > 0 {
			r.pending = pending
			r.setState(StateAwaitingConfirmation)
			r.emit(Event{Type: EventToolConfirmationRequest, Calls: calls, Pending: pending})
			return nil
		}

		stop, err := r.execute(ctx, calls, nil)
		if err != nil || stop {
			return err
		}
	}
}

// buildRequest fetches the current history, trims it and assembles the
// provider request.
func (r *runner) buildRequest(ctx context.Context) (llm.GenerateRequest, error) {
	history, err := r.c.store.GetHistory(ctx, r.conv)
	if err != nil {
		return llm.GenerateRequest{}, fmt.Errorf("load history: %w", err)
	}

	var prompt Prompt
	if r.c.prompts != nil {
		if prompt, err = r.c.prompts.Prompt(ctx, r.conv); err != nil {
			return llm.GenerateRequest{}, fmt.Errorf("build prompt: %w", err)
		}
	}
	budget := trim.Budget{
		StaticTokens:  r.c.est.Count(prompt.Static),
		DynamicTokens: r.c.est.Count(prompt.Dynamic),
	}
	start, err := r.c.trim.StartIndex(ctx, r.conv, history, r.cfg, budget)
	if err != nil {
		return llm.GenerateRequest{}, fmt.Errorf("trim history: %w", err)
	}
	window := trim.Window(history, start)
	if len(window) == 0 {
		return llm.GenerateRequest{}, llm.NewError(llm.CodeNoHistory, "conversation %s has no messages", r.conv)
	}
	if start > 0 {
		r.log.Debug().Int("start", start).Int("messages", len(window)).Msg("history trimmed")
	}

	return llm.GenerateRequest{
		History:           window,
		Config:            r.cfg,
		Tools:             r.c.toolSpecs(),
		SystemInstruction: joinPrompt(prompt),
	}, nil
}

// call performs the model call. A cancelled stream returns the partial
// message together with the error.
func (r *runner) call(ctx context.Context, req llm.GenerateRequest) (llm.Message, error) {
	if !r.streaming {
		return r.c.client.Generate(ctx, r.format, req)
	}
	acc := llm.NewAccumulator()
	acc.SetLogger(r.log)
	err := r.c.client.Stream(ctx, r.format, req, func(d llm.StreamDelta) error {
		acc.Add(d)
		if len(d.Parts) > 0 {
			r.emit(Event{Type: EventChunk, Parts: d.Parts})
		}
		return nil
	})
	if u := acc.Usage(); u != nil {
		r.log.Debug().Int("prompt_tokens", u.PromptTokens).Int("output_tokens", u.CandidateTokens).Msg("stream usage")
	}
	if !acc.HasParts() {
		return llm.Message{}, err
	}
	return acc.Content(), err
}

// execute runs one tool batch and persists its function-response message.
// stop reports that the loop must not continue.
func (r *runner) execute(ctx context.Context, calls []llm.ToolCall, rejections map[string]string) (stop bool, err error) {
	r.setState(StateExecuting)
	r.emit(Event{Type: EventToolsExecuting, Calls: calls})

	batch, execErr := r.c.executor.Execute(ctx, toolexec.ExecuteRequest{
		ConversationID: r.conv,
		Calls:          calls,
		Mode:           r.cfg.Mode(),
		Multimodal:     r.cfg.Options.MultimodalToolResults,
		Rejections:     rejections,
	})
	if len(batch.Message.Parts) > 0 {
		msg := batch.Message
		msg.EstimatedTokens = tokens.Message(r.c.est, msg, false)
		if _, err := r.c.store.AddMessage(context.WithoutCancel(ctx), r.conv, msg); err != nil {
			return true, fmt.Errorf("persist tool results: %w", err)
		}
	}
	r.emit(Event{Type: EventToolIterationResult, Results: batch.Results, Checkpoints: batch.Checkpoints})

	if ctx.Err() != nil {
		r.cancel()
		return true, nil
	}
	if execErr != nil {
		return true, execErr
	}
	return false, nil
}

func (r *runner) cancel() {
	r.setState(StateCancelled)
	r.log.Info().Int("iteration", r.iterations).Msg("cancelled")
	r.emit(Event{Type: EventCancelled})
}

// fail records a terminal error and reports it.
func (r *runner) fail(err error) {
	if r.state != StateMaxIterations {
		r.setState(StateFailed)
	}
	r.log.Warn().Err(err).Str("state", string(r.state)).Msg("loop stopped")
	r.emit(Event{Type: EventError, Error: errorInfo(err)})
}

func (r *runner) result(err error) Result {
	if err != nil {
		r.fail(err)
		res := failed(r.state, err)
		res.Content = r.content
		res.Iterations = r.iterations
		return res
	}
	res := Result{
		Success:    r.state == StateComplete || r.state == StateAwaitingConfirmation,
		Content:    r.content,
		State:      r.state,
		Iterations: r.iterations,
		Pending:    r.pending,
	}
	if r.state == StateCancelled {
		res.Error = &ErrorInfo{Code: llm.CodeCancelled, Message: "cancelled"}
	}
	return res
}

// finalize lifts embedded tool-call text into function-call parts and
// fills missing call IDs. It returns how many IDs were generated.
func finalize(msg *llm.Message) int {
	msg.Role = llm.RoleModel
	if len(msg.ToolCalls()) == 0 {
		llm.NormalizeEmbeddedToolCalls(msg)
	}
	return llm.EnsureToolCallIDs(msg)
}
