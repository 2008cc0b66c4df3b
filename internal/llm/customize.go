package llm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// newWireRequest wraps a marshalled body with the shared JSON headers and
// applies the provider's custom body fields and headers. Custom body keys
// are sjson paths, so "generationConfig.topK" edits a nested field.
func newWireRequest(cfg ProviderConfig, url string, body []byte, stream bool) (*WireRequest, error) {
	for key, value := range cfg.CustomBody {
		var err error
		body, err = sjson.SetBytes(body, key, value)
		if err != nil {
			return nil, fmt.Errorf("apply custom body field %q: %w", key, err)
		}
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if stream {
		header.Set("Accept", "text/event-stream")
	}
	return &WireRequest{Method: http.MethodPost, URL: url, Header: header, Body: body, Stream: stream}, nil
}

func applyCustomHeaders(cfg ProviderConfig, wr *WireRequest) {
	for key, value := range cfg.CustomHeaders {
		if value == "" {
			continue
		}
		wr.Header.Set(key, value)
	}
}

// providerError converts a non-2xx response body into an Error, appending
// the provider's own message verbatim when one can be found.
func providerError(provider string, status int, body []byte) *Error {
	e := &Error{Code: CodeProviderError, Provider: provider, Status: status}

	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	e.Message = msg

	for _, path := range []string{"error.code", "error.status", "error.type"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.String() != "" {
			e.Code = ErrorCode(r.String())
			break
		}
	}
	return e
}

// streamError converts an in-stream error event payload into an Error.
func streamError(provider string, data []byte) *Error {
	e := providerError(provider, 0, data)
	if e.Message == strings.TrimSpace(string(data)) {
		if m := gjson.GetBytes(data, "response.error.message").String(); m != "" {
			e.Message = m
		}
	}
	return e
}
