// Package engine drives a conversation through the model: it builds the
// trimmed request, calls the provider, persists replies, and runs tool
// calls until the model answers without one or the loop has to stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/tokens"
	"github.com/samsaffron/toolloop/internal/toolexec"
	"github.com/samsaffron/toolloop/internal/trim"
)

// DefaultMaxToolIterations bounds the loop when settings return 0.
const DefaultMaxToolIterations = 20

// ErrAwaitingConfirmation is reported by Result.Err when the loop stopped
// for a tool confirmation.
var ErrAwaitingConfirmation = errors.New("awaiting tool confirmation")

// ConversationStore is the slice of the conversation store the loop uses.
type ConversationStore interface {
	GetHistory(ctx context.Context, conversationID string) ([]llm.Message, error)
	AddMessage(ctx context.Context, conversationID string, msg llm.Message) (int, error)
	UpdateMessage(ctx context.Context, conversationID string, index int, msg llm.Message) error
	DeleteToMessage(ctx context.Context, conversationID string, index int) error
	trim.MetadataStore
}

// Settings carries tool and checkpoint policy.
type Settings interface {
	IsToolAutoExec(name string) bool
	// MaxToolIterations returns the model-call bound. -1 means unbounded
	// and 0 selects DefaultMaxToolIterations.
	MaxToolIterations() int
	ShouldCreateBeforeModelCheckpoint(iteration int) bool
	ShouldCreateAfterModelCheckpoint() bool
	ShouldCreateBeforeToolCheckpoint() bool
	ShouldCreateAfterToolCheckpoint() bool
}

// Providers resolves provider configurations by name. An empty name
// selects the default provider.
type Providers interface {
	Provider(name string) (llm.ProviderConfig, error)
}

// Provider performs model calls. *llm.Client implements it.
type Provider interface {
	Generate(ctx context.Context, f llm.Format, req llm.GenerateRequest) (llm.Message, error)
	Stream(ctx context.Context, f llm.Format, req llm.GenerateRequest, fn func(llm.StreamDelta) error) error
}

// ToolCatalog lists the tools offered to the model.
type ToolCatalog interface {
	Specs() []llm.ToolSpec
}

// Executor runs a batch of tool calls. *toolexec.Router implements it.
type Executor interface {
	Execute(ctx context.Context, req toolexec.ExecuteRequest) (toolexec.Batch, error)
}

// Prompt holds the system prompt fragments of one request. Static text is
// stable across turns; Dynamic is rebuilt every iteration.
type Prompt struct {
	Static  string
	Dynamic string
}

// PromptSource assembles the system prompt for a conversation.
type PromptSource interface {
	Prompt(ctx context.Context, conversationID string) (Prompt, error)
}

// Deps wires the Controller to its collaborators. Checkpoints, Prompts,
// Tools, Estimator and Trim are optional.
type Deps struct {
	Store       ConversationStore
	Settings    Settings
	Providers   Providers
	Client      Provider
	Executor    Executor
	Tools       ToolCatalog
	Checkpoints toolexec.Checkpointer
	Prompts     PromptSource
	Estimator   tokens.Estimator
	Trim        *trim.Engine
	Log         zerolog.Logger
}

// Controller runs the tool iteration loop. Callers serialize invocations
// per conversation.
type Controller struct {
	store       ConversationStore
	settings    Settings
	providers   Providers
	client      Provider
	executor    Executor
	tools       ToolCatalog
	checkpoints toolexec.Checkpointer
	prompts     PromptSource
	est         tokens.Estimator
	trim        *trim.Engine
	log         zerolog.Logger
}

// New creates a Controller.
func New(d Deps) *Controller {
	est := d.Estimator
	if est == nil {
		est = tokens.Heuristic{}
	}
	tr := d.Trim
	if tr == nil {
		tr = trim.New(d.Store, est, d.Log)
	}
	return &Controller{
		store:       d.Store,
		settings:    d.Settings,
		providers:   d.Providers,
		client:      d.Client,
		executor:    d.Executor,
		tools:       d.Tools,
		checkpoints: d.Checkpoints,
		prompts:     d.Prompts,
		est:         est,
		trim:        tr,
		log:         d.Log,
	}
}

// Input starts or continues a conversation. Message, when set, is appended
// as the new user turn before the loop starts.
type Input struct {
	ConversationID string
	Provider       string
	Message        *llm.Message
}

// Decision is the user's answer to one pending tool call.
type Decision struct {
	Approved bool
	Reason   string
}

// ResumeInput continues a loop suspended for confirmation. Calls without a
// decision are approved when ApproveAll is set or the tool is auto-exec,
// and rejected otherwise.
type ResumeInput struct {
	ConversationID string
	Provider       string
	Decisions      map[string]Decision
	ApproveAll     bool
}

// Run executes the loop without streaming and returns the outcome.
func (c *Controller) Run(ctx context.Context, in Input) Result {
	return c.once(ctx, in.ConversationID, in.Provider, func(ctx context.Context, r *runner) error {
		return r.start(ctx, in.Message)
	})
}

// Stream executes the loop with a streaming provider call and reports
// progress as events. The channel is closed when the loop stops; callers
// must drain it.
func (c *Controller) Stream(ctx context.Context, in Input) <-chan Event {
	return c.stream(ctx, in.ConversationID, in.Provider, func(ctx context.Context, r *runner) error {
		return r.start(ctx, in.Message)
	})
}

// Resume applies confirmation decisions to the pending calls of the last
// model message, then continues the loop.
func (c *Controller) Resume(ctx context.Context, in ResumeInput) Result {
	return c.once(ctx, in.ConversationID, in.Provider, func(ctx context.Context, r *runner) error {
		return r.resume(ctx, in)
	})
}

// ResumeStream is the streaming form of Resume.
func (c *Controller) ResumeStream(ctx context.Context, in ResumeInput) <-chan Event {
	return c.stream(ctx, in.ConversationID, in.Provider, func(ctx context.Context, r *runner) error {
		return r.resume(ctx, in)
	})
}

// Retry drops a trailing model message, if any, and runs the loop again
// without new user input.
func (c *Controller) Retry(ctx context.Context, conversationID, provider string) Result {
	return c.once(ctx, conversationID, provider, func(ctx context.Context, r *runner) error {
		return r.retry(ctx)
	})
}

// RetryStream is the streaming form of Retry.
func (c *Controller) RetryStream(ctx context.Context, conversationID, provider string) <-chan Event {
	return c.stream(ctx, conversationID, provider, func(ctx context.Context, r *runner) error {
		return r.retry(ctx)
	})
}

// EditMessage replaces a stored message and invalidates the trim state.
func (c *Controller) EditMessage(ctx context.Context, conversationID string, index int, msg llm.Message) error {
	if err := c.store.UpdateMessage(ctx, conversationID, index, msg); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return c.trim.Clear(ctx, conversationID)
}

// DeleteFrom removes the message at index and everything after it, then
// invalidates the trim state.
func (c *Controller) DeleteFrom(ctx context.Context, conversationID string, index int) error {
	if err := c.store.DeleteToMessage(ctx, conversationID, index); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return c.trim.Clear(ctx, conversationID)
}

func (c *Controller) once(ctx context.Context, conversationID, provider string, body func(context.Context, *runner) error) Result {
	r, err := c.newRunner(conversationID, provider, false, func(Event) {})
	if err != nil {
		return failed(StateFailed, err)
	}
	err = body(ctx, r)
	return r.result(err)
}

func (c *Controller) stream(ctx context.Context, conversationID, provider string, body func(context.Context, *runner) error) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		emit := func(ev Event) { events <- ev }
		r, err := c.newRunner(conversationID, provider, true, emit)
		if err != nil {
			emit(Event{Type: EventError, State: StateFailed, Error: errorInfo(err)})
			return
		}
		if err := body(ctx, r); err != nil {
			r.fail(err)
		}
	}()
	return events
}

func (c *Controller) newRunner(conversationID, provider string, streaming bool, emit func(Event)) (*runner, error) {
	if conversationID == "" {
		return nil, llm.NewError(llm.CodeInvalidState, "conversation ID is required")
	}
	cfg, err := c.providers.Provider(provider)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, llm.NewError(llm.CodeConfigDisabled, "provider %q is disabled", cfg.Name)
	}
	format, err := llm.FormatFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	return &runner{
		c:         c,
		conv:      conversationID,
		cfg:       cfg,
		format:    format,
		streaming: streaming,
		sink:      emit,
		state:     StateIterating,
		log: c.log.With().
			Str("conversation", conversationID).
			Str("provider", cfg.Name).
			Logger(),
	}, nil
}

func (c *Controller) maxIterations() int {
	n := c.settings.MaxToolIterations()
	if n == 0 {
		return DefaultMaxToolIterations
	}
	return n
}

func (c *Controller) toolSpecs() []llm.ToolSpec {
	if c.tools == nil {
		return nil
	}
	return c.tools.Specs()
}

// Err maps the outcome to an error: nil on completion,
// ErrAwaitingConfirmation while suspended, and an *llm.Error otherwise.
func (r Result) Err() error {
	switch {
	case r.State == StateAwaitingConfirmation:
		return ErrAwaitingConfirmation
	case r.Error != nil:
		return &llm.Error{Code: r.Error.Code, Message: r.Error.Message}
	}
	return nil
}

func failed(state State, err error) Result {
	return Result{State: state, Error: errorInfo(err)}
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var e *llm.Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Provider != "" {
			msg = e.Provider + ": " + msg
		}
		return &ErrorInfo{Code: e.Code, Message: msg}
	}
	return &ErrorInfo{Code: llm.CodeOf(err), Message: err.Error()}
}

func joinPrompt(p Prompt) string {
	var parts []string
	for _, s := range []string{p.Static, p.Dynamic} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// takeCheckpoint records a checkpoint and logs failures; checkpoints never
// stop the loop.
func (c *Controller) takeCheckpoint(ctx context.Context, log zerolog.Logger, conversationID string, kind checkpoint.Kind) {
	if c.checkpoints == nil {
		return
	}
	if _, err := c.checkpoints.Create(ctx, conversationID, kind); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("checkpoint failed")
	}
}
