package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody caps how much of a non-OK response is read into an error.
const maxErrorBody = 4 << 10

// Request is one user message sent to the chat backend.
type Request struct {
	SessionID string `json:"-"`
	Query     string `json:"query"`
}

// Backend opens the assistant response stream for a user message. The
// returned body yields concatenated JSON chat objects and must be closed by
// the caller. Cancelling ctx aborts the request and any in-flight read.
type Backend interface {
	OpenStream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TokenSource supplies the bearer credential for a backend call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPBackend talks to the chat backend over HTTP.
type HTTPBackend struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
}

// NewHTTPBackend creates a backend client rooted at baseURL. A nil
// httpClient uses a client without timeout, since responses stream for as
// long as the answer takes.
func NewHTTPBackend(baseURL string, httpClient *http.Client, tokens TokenSource) (*HTTPBackend, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse chat backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("chat backend url %q must be absolute", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("chat backend requires a token source")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPBackend{base: base, http: httpClient, tokens: tokens}, nil
}

// OpenStream posts the query and returns the streaming response body.
func (b *HTTPBackend) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, &AuthExpiredError{Message: err.Error()}
	}
	if token == "" {
		return nil, &AuthExpiredError{Message: "missing access token"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := b.base.JoinPath("chat_sessions", req.SessionID, "messages")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		return nil, &TransportError{Message: "send chat request", Err: err}
	}

	if err := checkResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// checkResponse turns a non-2xx response into a typed error.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := errorMessage(body)
	if isAuthStatus(resp.StatusCode) {
		return &AuthExpiredError{StatusCode: resp.StatusCode, Message: message}
	}
	return &TransportError{StatusCode: resp.StatusCode, Message: message}
}

// errorMessage extracts {"error": ...} or {"detail": ...} from an error body
// and falls back to the trimmed raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Detail != "" {
			return parsed.Detail
		}
	}
	return strings.TrimSpace(string(body))
}

