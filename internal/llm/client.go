package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// defaultHTTPClient has no overall timeout; the caller's context bounds
// each exchange.
var defaultHTTPClient = &http.Client{}

// Client sends requests built by a Format and decodes the replies.
type Client struct {
	HTTP *http.Client
	Log  zerolog.Logger
}

// NewClient returns a Client using the shared HTTP client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{HTTP: defaultHTTPClient, Log: log}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return defaultHTTPClient
}

func (c *Client) send(ctx context.Context, cfg ProviderConfig, wr *WireRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, wr.Method, wr.URL, bytes.NewReader(wr.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = wr.Header.Clone()

	c.Log.Debug().
		Str("provider", cfg.Name).
		Str("url", wr.URL).
		Bool("stream", wr.Stream).
		Int("bytes", len(wr.Body)).
		Msg("provider request")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: CodeProviderError, Provider: cfg.Name, Message: err.Error(), Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, providerError(cfg.Name, resp.StatusCode, body)
	}
	return resp, nil
}

// Generate performs a single-shot request.
func (c *Client) Generate(ctx context.Context, f Format, req GenerateRequest) (Message, error) {
	req.Stream = false
	wr, err := f.BuildRequest(req)
	if err != nil {
		return Message{}, err
	}
	started := time.Now()
	resp, err := c.send(ctx, req.Config, wr)
	if err != nil {
		return Message{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("read response: %w", err)
	}
	msg, err := f.ParseResponse(body)
	if err != nil {
		return Message{}, err
	}
	msg.ResponseDuration = time.Since(started)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg, nil
}

// Stream performs a streaming request, handing every normalized delta to fn
// in arrival order. It returns when the stream ends, fn fails, the provider
// reports an error, or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, f Format, req GenerateRequest, fn func(StreamDelta) error) error {
	req.Stream = true
	wr, err := f.BuildRequest(req)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, req.Config, wr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	errDone := errors.New("stream done")
	err = ReadSSE(resp.Body, func(ev SSEEvent) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delta, err := f.ParseStreamChunk(ev)
		if err != nil {
			c.Log.Warn().Err(err).Str("provider", req.Config.Name).Msg("skipping malformed stream event")
			return nil
		}
		if delta.Err != nil {
			return delta.Err
		}
		if err := fn(delta); err != nil {
			return err
		}
		if delta.Done {
			return errDone
		}
		return nil
	})
	if errors.Is(err, errDone) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ReadSSE parses a server-sent event stream. Multi-line data fields are
// joined with newlines; a "[DONE]" payload ends the stream.
func ReadSSE(r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	var event string
	var data []string
	dispatch := func() (bool, error) {
		if len(data) == 0 {
			event = ""
			return false, nil
		}
		payload := strings.Join(data, "\n")
		name := event
		event, data = "", nil
		if payload == "[DONE]" {
			return true, nil
		}
		return false, fn(SSEEvent{Event: name, Data: []byte(payload)})
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			stop, err := dispatch()
			if err != nil || stop {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	_, err := dispatch()
	return err
}
