package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsaffron/toolloop/internal/checkpoint"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/session"
	"github.com/samsaffron/toolloop/internal/testutil"
	"github.com/samsaffron/toolloop/internal/toolexec"
	"github.com/samsaffron/toolloop/internal/tools"
	"github.com/samsaffron/toolloop/internal/trim"
)

// scripted replays canned model replies in order, repeating the last one.
type scripted struct {
	mu       sync.Mutex
	replies  []llm.Message
	requests []llm.GenerateRequest
	// stream overrides the default chunking of the next reply.
	stream func(ctx context.Context, fn func(llm.StreamDelta) error) error
	err    error
}

func (s *scripted) next(req llm.GenerateRequest) llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	msg := s.replies[i]
	msg.Parts = append([]llm.Part(nil), msg.Parts...)
	return msg
}

func (s *scripted) Generate(_ context.Context, _ llm.Format, req llm.GenerateRequest) (llm.Message, error) {
	if s.err != nil {
		s.requests = append(s.requests, req)
		return llm.Message{}, s.err
	}
	return s.next(req), nil
}

func (s *scripted) Stream(ctx context.Context, _ llm.Format, req llm.GenerateRequest, fn func(llm.StreamDelta) error) error {
	if s.err != nil {
		s.requests = append(s.requests, req)
		return s.err
	}
	if s.stream != nil {
		s.requests = append(s.requests, req)
		return s.stream(ctx, fn)
	}
	msg := s.next(req)
	for _, p := range msg.Parts {
		if err := fn(llm.StreamDelta{Parts: []llm.Part{p}}); err != nil {
			return err
		}
	}
	return fn(llm.StreamDelta{Done: true, Usage: msg.Usage})
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type settings struct {
	confirm        map[string]bool
	max            int
	outerLayerOnly bool
}

func (s settings) IsToolAutoExec(name string) bool { return !s.confirm[name] }
func (s settings) MaxToolIterations() int          { return s.max }
func (s settings) ShouldCreateBeforeModelCheckpoint(iteration int) bool {
	return !s.outerLayerOnly || iteration == 1
}
func (s settings) ShouldCreateAfterModelCheckpoint() bool { return true }
func (s settings) ShouldCreateBeforeToolCheckpoint() bool { return false }
func (s settings) ShouldCreateAfterToolCheckpoint() bool  { return false }

type providers map[string]llm.ProviderConfig

func (p providers) Provider(name string) (llm.ProviderConfig, error) {
	if name == "" {
		name = "test"
	}
	cfg, ok := p[name]
	if !ok {
		return llm.ProviderConfig{}, llm.NewError(llm.CodeConfigNotFound, "provider %q not configured", name)
	}
	cfg.Name = name
	return cfg, nil
}

type recordingCheckpoints struct {
	kinds []checkpoint.Kind
}

func (r *recordingCheckpoints) Create(_ context.Context, conv string, kind checkpoint.Kind) (checkpoint.Checkpoint, error) {
	r.kinds = append(r.kinds, kind)
	return checkpoint.Checkpoint{ConversationID: conv, Kind: kind}, nil
}

type harness struct {
	ctrl     *Controller
	store    session.Store
	reg      *tools.Registry
	provider *scripted
	executed []string
	cps      *recordingCheckpoints
}

func newHarness(t *testing.T, set settings, replies ...llm.Message) *harness {
	t.Helper()
	return newHarnessWithStore(t, session.NewMemoryStore(), set, replies...)
}

func newHarnessWithStore(t *testing.T, store session.Store, set settings, replies ...llm.Message) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		provider: &scripted{replies: replies},
		cps:      &recordingCheckpoints{},
	}
	reg := tools.NewRegistry()
	h.reg = reg
	for _, name := range []string{"read_file", "echo", "execute_command"} {
		name := name
		reg.Register(testutil.NewMockToolFunc(name, func(_ context.Context, args json.RawMessage) (tools.Output, error) {
			h.executed = append(h.executed, name)
			return tools.TextOutput(name + " ran with " + string(args)), nil
		}))
	}
	h.ctrl = New(Deps{
		Store:    h.store,
		Settings: set,
		Providers: providers{
			"test":     {Type: "openai", Model: "m", Enabled: true},
			"xml":      {Type: "openai", Model: "m", Enabled: true, ToolMode: "xml"},
			"disabled": {Type: "openai", Model: "m"},
			"bogus":    {Type: "nope", Model: "m", Enabled: true},
		},
		Client:      h.provider,
		Executor:    toolexec.New(reg, nil, nil, nil, zerolog.Nop()),
		Tools:       reg,
		Checkpoints: h.cps,
		Log:         zerolog.Nop(),
	})
	return h
}

func (h *harness) history(t *testing.T) []llm.Message {
	t.Helper()
	history, err := h.store.GetHistory(context.Background(), "c1")
	require.NoError(t, err)
	return history
}

func userInput(text string) Input {
	msg := llm.UserText(text)
	return Input{ConversationID: "c1", Message: &msg}
}

func callMsg(name string, args map[string]any) llm.Message {
	return llm.Message{Role: llm.RoleModel, Parts: []llm.Part{llm.FunctionCallPart{Name: name, Args: args}}}
}

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func types(events []Event) []EventType {
	var out []EventType
	for _, ev := range events {
		if ev.Type != EventChunk {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestToolCallWithoutIDIsExecuted(t *testing.T) {
	h := newHarness(t, settings{},
		callMsg("read_file", map[string]any{"path": "a.ts"}),
		llm.ModelText("the file is empty"),
	)

	events := collect(h.ctrl.Stream(context.Background(), userInput("hi")))
	assert.Equal(t, []EventType{EventToolsExecuting, EventToolIterationResult, EventCompleted}, types(events))

	var executing Event
	for _, ev := range events {
		if ev.Type == EventToolsExecuting {
			executing = ev
		}
	}
	assert.Equal(t, StateExecuting, executing.State)
	require.Len(t, executing.Calls, 1)
	assert.True(t, strings.HasPrefix(executing.Calls[0].ID, "call_"))

	history := h.history(t)
	require.Len(t, history, 4)
	stored := history[1].ToolCalls()
	require.Len(t, stored, 1)
	assert.Equal(t, executing.Calls[0].ID, stored[0].ID)
	assert.Equal(t, "a.ts", stored[0].Args["path"])

	responses := history[2].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, stored[0].ID, responses[0].ID)
	assert.True(t, history[2].IsFunctionResponse)
	assert.Equal(t, []string{"read_file"}, h.executed)

	last := events[len(events)-1]
	assert.Equal(t, StateComplete, last.State)
	assert.Equal(t, "the file is empty", last.Content)
}

func TestRunReturnsFinalContent(t *testing.T) {
	h := newHarness(t, settings{},
		callMsg("echo", map[string]any{"text": "x"}),
		llm.ModelText("done"),
	)

	res := h.ctrl.Run(context.Background(), userInput("go"))
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 2, res.Iterations)
	assert.NoError(t, res.Err())
}

func TestIterationBound(t *testing.T) {
	h := newHarness(t, settings{max: 3}, callMsg("echo", map[string]any{"again": true}))

	res := h.ctrl.Run(context.Background(), userInput("loop forever"))
	assert.False(t, res.Success)
	assert.Equal(t, StateMaxIterations, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, llm.CodeMaxToolIterations, res.Error.Code)
	assert.Equal(t, 3, h.provider.calls())
	assert.Len(t, h.executed, 3)
	assert.Len(t, h.history(t), 7)
	assert.Equal(t, llm.CodeMaxToolIterations, llm.CodeOf(res.Err()))
}

func TestIterationBoundStream(t *testing.T) {
	h := newHarness(t, settings{max: 2}, callMsg("echo", nil))

	events := collect(h.ctrl.Stream(context.Background(), userInput("loop")))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, StateMaxIterations, last.State)
	assert.Equal(t, llm.CodeMaxToolIterations, last.Error.Code)
	assert.Equal(t, 2, h.provider.calls())
}

func TestCancellationPersistsPartialOnce(t *testing.T) {
	h := newHarness(t, settings{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.stream = func(ctx context.Context, fn func(llm.StreamDelta) error) error {
		if err := fn(llm.StreamDelta{Parts: []llm.Part{llm.TextPart{Text: "partial "}}}); err != nil {
			return err
		}
		if err := fn(llm.StreamDelta{Parts: []llm.Part{llm.TextPart{Text: "answer"}}}); err != nil {
			return err
		}
		cancel()
		return ctx.Err()
	}

	events := collect(h.ctrl.Stream(ctx, userInput("tell me")))
	assert.Equal(t, []EventType{EventCancelled}, types(events))
	assert.Equal(t, StateCancelled, events[len(events)-1].State)

	history := h.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleModel, history[1].Role)
	assert.Equal(t, "partial answer", history[1].Text())
}

func newSQLiteStore(t *testing.T) session.Store {
	t.Helper()
	store, err := session.NewSQLiteStore(session.Config{Path: filepath.Join(t.TempDir(), "conversations.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCancelDuringToolKeepsResults(t *testing.T) {
	h := newHarnessWithStore(t, newSQLiteStore(t), settings{},
		callMsg("execute_command", map[string]any{"command": "sleep 60"}),
		llm.ModelText("never reached"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.reg.Register(testutil.NewMockToolFunc("execute_command", func(c context.Context, _ json.RawMessage) (tools.Output, error) {
		cancel()
		return tools.Output{}, c.Err()
	}))

	events := collect(h.ctrl.Stream(ctx, userInput("run it")))
	assert.Equal(t, []EventType{EventToolsExecuting, EventToolIterationResult, EventCancelled}, types(events))
	last := events[len(events)-1]
	assert.Equal(t, StateCancelled, last.State)
	assert.Nil(t, last.Error)
	assert.Equal(t, 1, h.provider.calls())

	history := h.history(t)
	require.Len(t, history, 3)
	assert.True(t, history[2].IsFunctionResponse)
	responses := history[2].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, history[1].ToolCalls()[0].ID, responses[0].ID)
}

func TestCancelAfterCleanStreamPersistsModelMessage(t *testing.T) {
	h := newHarnessWithStore(t, newSQLiteStore(t), settings{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.stream = func(_ context.Context, fn func(llm.StreamDelta) error) error {
		if err := fn(llm.StreamDelta{Parts: []llm.Part{llm.TextPart{Text: "all done"}}}); err != nil {
			return err
		}
		cancel()
		return nil
	}

	events := collect(h.ctrl.Stream(ctx, userInput("finish up")))
	assert.Equal(t, []EventType{EventCancelled}, types(events))
	assert.Equal(t, StateCancelled, events[len(events)-1].State)

	history := h.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, "all done", history[1].Text())
}

func TestCancelledBeforeModelCall(t *testing.T) {
	h := newHarness(t, settings{}, llm.ModelText("never"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.ctrl.Run(ctx, Input{ConversationID: "c1"})
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, llm.CodeCancelled, res.Error.Code)
	assert.Zero(t, h.provider.calls())
}

func TestConfirmationSuspendsUntilResume(t *testing.T) {
	set := settings{confirm: map[string]bool{"execute_command": true}}
	h := newHarness(t, set,
		callMsg("execute_command", map[string]any{"command": "rm -rf build"}),
		llm.ModelText("cleaned"),
	)

	events := collect(h.ctrl.Stream(context.Background(), userInput("clean up")))
	assert.Equal(t, []EventType{EventToolConfirmationRequest}, types(events))
	req := events[len(events)-1]
	assert.Equal(t, StateAwaitingConfirmation, req.State)
	require.Len(t, req.Pending, 1)
	assert.Equal(t, "execute_command", req.Pending[0].Name)
	assert.Equal(t, "rm -rf build", req.Pending[0].Args["command"])

	assert.Empty(t, h.executed)
	require.Len(t, h.history(t), 2)

	res := h.ctrl.Resume(context.Background(), ResumeInput{
		ConversationID: "c1",
		Decisions:      map[string]Decision{req.Pending[0].ID: {Approved: true}},
	})
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, "cleaned", res.Content)
	assert.Equal(t, []string{"execute_command"}, h.executed)
	assert.Len(t, h.history(t), 4)
}

func TestRunAwaitingConfirmation(t *testing.T) {
	set := settings{confirm: map[string]bool{"execute_command": true}}
	h := newHarness(t, set, llm.Message{Role: llm.RoleModel, Parts: []llm.Part{
		llm.TextPart{Text: "running both"},
		llm.FunctionCallPart{Name: "echo"},
		llm.FunctionCallPart{Name: "execute_command", Args: map[string]any{"command": "ls"}},
	}})

	res := h.ctrl.Run(context.Background(), userInput("go"))
	assert.True(t, res.Success)
	assert.Equal(t, StateAwaitingConfirmation, res.State)
	assert.ErrorIs(t, res.Err(), ErrAwaitingConfirmation)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, "running both", res.Content)
	assert.Empty(t, h.executed)
}

func TestResumeRejection(t *testing.T) {
	set := settings{confirm: map[string]bool{"execute_command": true}}
	h := newHarness(t, set,
		callMsg("execute_command", map[string]any{"command": "shutdown"}),
		llm.ModelText("ok, not running it"),
	)
	res := h.ctrl.Run(context.Background(), userInput("go"))
	require.Equal(t, StateAwaitingConfirmation, res.State)

	res = h.ctrl.Resume(context.Background(), ResumeInput{
		ConversationID: "c1",
		Decisions:      map[string]Decision{res.Pending[0].ID: {Reason: "dangerous"}},
	})
	require.True(t, res.Success)
	assert.Empty(t, h.executed)

	history := h.history(t)
	require.Len(t, history, 4)
	resp := history[2].FunctionResponses()[0].Response.(map[string]any)
	assert.Equal(t, "tool call rejected by user: dangerous", resp["error"])
}

func TestResumeValidation(t *testing.T) {
	h := newHarness(t, settings{}, llm.ModelText("x"))
	ctx := context.Background()
	resume := func() Result { return h.ctrl.Resume(ctx, ResumeInput{ConversationID: "c1"}) }

	assert.Equal(t, llm.CodeNoHistory, resume().Error.Code)

	_, err := h.store.AddMessage(ctx, "c1", llm.UserText("hi"))
	require.NoError(t, err)
	assert.Equal(t, llm.CodeInvalidState, resume().Error.Code)

	_, err = h.store.AddMessage(ctx, "c1", llm.ModelText("hello"))
	require.NoError(t, err)
	res := resume()
	assert.Equal(t, llm.CodeNoFunctionCalls, res.Error.Code)
	assert.Equal(t, StateFailed, res.State)
}

func TestProviderConfigErrors(t *testing.T) {
	h := newHarness(t, settings{}, llm.ModelText("x"))
	ctx := context.Background()

	res := h.ctrl.Run(ctx, Input{ConversationID: "c1", Provider: "missing"})
	assert.Equal(t, llm.CodeConfigNotFound, res.Error.Code)

	res = h.ctrl.Run(ctx, Input{ConversationID: "c1", Provider: "disabled"})
	assert.Equal(t, llm.CodeConfigDisabled, res.Error.Code)

	res = h.ctrl.Run(ctx, Input{ConversationID: "c1", Provider: "bogus"})
	assert.Equal(t, llm.CodeConfigNotFound, res.Error.Code)

	events := collect(h.ctrl.Stream(ctx, Input{ConversationID: "c1", Provider: "missing"}))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Zero(t, h.provider.calls())
}

func TestProviderErrorPassesThrough(t *testing.T) {
	h := newHarness(t, settings{})
	h.provider.err = &llm.Error{Code: "rate_limit_exceeded", Message: "slow down", Provider: "test", Status: 429}

	events := collect(h.ctrl.Stream(context.Background(), userInput("hi")))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, llm.ErrorCode("rate_limit_exceeded"), last.Error.Code)
	assert.Equal(t, "test: slow down", last.Error.Message)
	assert.Len(t, h.history(t), 1)
}

func TestEmbeddedToolCallsAreLifted(t *testing.T) {
	text := "Let me look.\n" + llm.RenderToolCall(llm.ToolModeXML, "echo", map[string]any{"text": "hi"})
	h := newHarness(t, settings{}, llm.ModelText(text), llm.ModelText("done"))

	msg := llm.UserText("go")
	res := h.ctrl.Run(context.Background(), Input{ConversationID: "c1", Provider: "xml", Message: &msg})
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, []string{"echo"}, h.executed)

	calls := h.history(t)[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, "hi", calls[0].Args["text"])
}

func TestCheckpointPolicy(t *testing.T) {
	h := newHarness(t, settings{outerLayerOnly: true},
		callMsg("echo", nil),
		callMsg("echo", nil),
		llm.ModelText("done"),
	)
	res := h.ctrl.Run(context.Background(), userInput("go"))
	require.True(t, res.Success)
	assert.Equal(t, []checkpoint.Kind{checkpoint.BeforeModel, checkpoint.AfterModel}, h.cps.kinds)

	h = newHarness(t, settings{}, callMsg("echo", nil), llm.ModelText("done"))
	h.ctrl.Run(context.Background(), userInput("go"))
	assert.Equal(t, []checkpoint.Kind{checkpoint.BeforeModel, checkpoint.BeforeModel, checkpoint.AfterModel}, h.cps.kinds)
}

func TestHistoryRefetchedEachIteration(t *testing.T) {
	h := newHarness(t, settings{}, callMsg("echo", nil), llm.ModelText("done"))
	reg := tools.NewRegistry()
	echo := testutil.NewMockToolFunc("echo", func(ctx context.Context, _ json.RawMessage) (tools.Output, error) {
		_, err := h.store.AddMessage(ctx, "c1", llm.UserText("note added by tool"))
		return tools.TextOutput("ok"), err
	})
	reg.Register(echo)
	h.ctrl.executor = toolexec.New(reg, nil, nil, nil, zerolog.Nop())

	res := h.ctrl.Run(context.Background(), userInput("go"))
	require.True(t, res.Success)

	second := h.provider.requests[1].History
	var found bool
	for _, m := range second {
		if m.Text() == "note added by tool" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1, echo.InvocationCount())
}

func TestRetryDropsTrailingModelMessage(t *testing.T) {
	h := newHarness(t, settings{}, llm.ModelText("second try"))
	ctx := context.Background()
	_, err := h.store.AddMessage(ctx, "c1", llm.UserText("hi"))
	require.NoError(t, err)
	_, err = h.store.AddMessage(ctx, "c1", llm.ModelText("garbled"))
	require.NoError(t, err)
	require.NoError(t, h.store.SetCustomMetadata(ctx, "c1", trim.MetadataKey, "1"))

	res := h.ctrl.Retry(ctx, "c1", "")
	require.True(t, res.Success)

	require.Len(t, h.provider.requests[0].History, 1)
	history := h.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, "second try", history[1].Text())
	_, ok, err := h.store.GetCustomMetadata(ctx, "c1", trim.MetadataKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEditClearsTrimState(t *testing.T) {
	h := newHarness(t, settings{})
	ctx := context.Background()
	_, err := h.store.AddMessage(ctx, "c1", llm.UserText("hi"))
	require.NoError(t, err)
	require.NoError(t, h.store.SetCustomMetadata(ctx, "c1", trim.MetadataKey, "4"))

	require.NoError(t, h.ctrl.EditMessage(ctx, "c1", 0, llm.UserText("hello")))
	_, ok, err := h.store.GetCustomMetadata(ctx, "c1", trim.MetadataKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "hello", h.history(t)[0].Text())
}

func TestTrimmedHistoryIsSent(t *testing.T) {
	h := newHarness(t, settings{}, llm.ModelText("ok"))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		u := llm.UserText("question")
		u.EstimatedTokens = 100
		_, err := h.store.AddMessage(ctx, "c1", u)
		require.NoError(t, err)
		m := llm.ModelText("answer")
		m.Usage = &llm.Usage{CandidateTokens: 200}
		_, err = h.store.AddMessage(ctx, "c1", m)
		require.NoError(t, err)
	}
	cfg := llm.ProviderConfig{
		Type: "openai", Model: "m", Enabled: true,
		MaxContextTokens:        1000,
		ContextThresholdEnabled: true,
		ContextThreshold:        "80%",
	}
	h.ctrl.providers = providers{"test": cfg}

	last := llm.UserText("latest")
	last.EstimatedTokens = 100
	res := h.ctrl.Run(ctx, Input{ConversationID: "c1", Message: &last})
	require.True(t, res.Success, "%+v", res.Error)

	sent := h.provider.requests[0].History
	assert.Less(t, len(sent), 11)
	assert.Equal(t, llm.RoleUser, sent[0].Role)
	assert.Equal(t, "latest", sent[len(sent)-1].Text())
	v, ok, err := h.store.GetCustomMetadata(ctx, "c1", trim.MetadataKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, "0", v)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateComplete, StateAwaitingConfirmation, StateCancelled, StateMaxIterations, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateIterating, StateExecuting, State("")} {
		assert.False(t, s.Terminal(), s)
	}
}
