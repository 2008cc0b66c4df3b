package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samsaffron/toolloop/internal/engine"
	"github.com/samsaffron/toolloop/internal/llm"
)

// printer renders loop events as plain terminal text.
type printer struct {
	w            io.Writer
	showThoughts bool
	inThought    bool
	midLine      bool
}

func (p *printer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(p.w, s)
	p.midLine = !strings.HasSuffix(s, "\n")
}

func (p *printer) newline() {
	if p.midLine {
		fmt.Fprintln(p.w)
		p.midLine = false
	}
}

func (p *printer) handle(ev engine.Event) {
	switch ev.Type {
	case engine.EventChunk:
		for _, part := range ev.Parts {
			t, ok := part.(llm.TextPart)
			if !ok {
				continue
			}
			if t.Thought {
				if !p.showThoughts {
					continue
				}
				if !p.inThought {
					p.newline()
					p.write("[thinking] ")
					p.inThought = true
				}
			} else if p.inThought {
				p.newline()
				p.inThought = false
			}
			p.write(t.Text)
		}
	case engine.EventToolsExecuting:
		p.newline()
		for _, call := range ev.Calls {
			p.write(fmt.Sprintf("-> %s\n", formatCall(call)))
		}
	case engine.EventToolIterationResult:
		for _, r := range ev.Results {
			switch {
			case r.Success:
				p.write(fmt.Sprintf("   ok %s (%s)\n", r.Name, r.Duration.Round(time.Millisecond)))
			case r.Rejected:
				p.write(fmt.Sprintf("   rejected %s\n", r.Name))
			case r.Cancelled:
				p.write(fmt.Sprintf("   cancelled %s\n", r.Name))
			default:
				p.write(fmt.Sprintf("   failed %s: %s\n", r.Name, r.Error))
			}
		}
	case engine.EventToolConfirmationRequest:
		p.newline()
		p.write("Tool calls need confirmation:\n")
		for _, call := range ev.Pending {
			p.write(fmt.Sprintf("  [%s] %s\n", call.ID, formatCall(call)))
		}
	case engine.EventCompleted:
		p.newline()
	case engine.EventCancelled:
		p.newline()
		p.write("(cancelled)\n")
	case engine.EventError:
		p.newline()
	}
}

func formatCall(call llm.ToolCall) string {
	args, err := json.Marshal(call.Args)
	if err != nil || len(call.Args) == 0 {
		return call.Name + "()"
	}
	return call.Name + "(" + truncate(string(args), 120) + ")"
}

// truncate shortens s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}

// drain prints every event and maps the final one to the command's error.
func drain(w io.Writer, events <-chan engine.Event, showThoughts bool, conversationID string) error {
	p := &printer{w: w, showThoughts: showThoughts}
	var last engine.Event
	for ev := range events {
		p.handle(ev)
		last = ev
	}
	if !last.State.Terminal() {
		return fmt.Errorf("run stopped without a final state (last state %q)", last.State)
	}
	return finish(w, last.State, last.Error, conversationID)
}

// printResult prints a non-streamed outcome.
func printResult(w io.Writer, res engine.Result, conversationID string) error {
	if res.Content != "" {
		fmt.Fprintln(w, res.Content)
	}
	if res.State == engine.StateAwaitingConfirmation {
		p := &printer{w: w}
		p.handle(engine.Event{Type: engine.EventToolConfirmationRequest, Pending: res.Pending})
	}
	return finish(w, res.State, res.Error, conversationID)
}

func finish(w io.Writer, state engine.State, info *engine.ErrorInfo, conversationID string) error {
	switch state {
	case engine.StateAwaitingConfirmation:
		fmt.Fprintf(w, "Run `toolloop confirm -c %s --all` to approve, or pass --approve/--reject with call IDs.\n", conversationID)
		return nil
	case engine.StateCancelled:
		return nil
	}
	if info != nil {
		return errors.New(string(info.Code) + ": " + info.Message)
	}
	return nil
}
