package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the raw HTTP client for the provider API. It is safe for
// concurrent use; all state is read-only after construction.
type Client struct {
	apiKey  string
	baseURL string

	// unary calls are bounded by the client timeout; streaming calls use a
	// separate client with no overall deadline (the relay owns idle-timeout
	// and cancellation).
	httpClient   *http.Client
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the provider host (useful for testing and mocks).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout overrides the unary call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client for the given provider credential.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		baseURL:      DefaultBaseURL,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GenerateContent performs a unary generation call and returns the raw
// response body. A non-2xx upstream status is returned as *Error carrying
// the provider's status and error body.
func (c *Client) GenerateContent(ctx context.Context, version, model string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal payload: %w", err)
	}

	u := c.modelURL(version, model, "generateContent", false)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(resp.StatusCode, raw)
	}

	return raw, nil
}

// StreamGenerateContent opens a streaming generation call and returns the
// response with its body still open. The caller owns the body: it must close
// it, and it must inspect StatusCode before relaying (a non-2xx status means
// the body holds a small error payload, not an event stream).
func (c *Client) StreamGenerateContent(ctx context.Context, version, model string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal payload: %w", err)
	}

	u := c.modelURL(version, model, "streamGenerateContent", true)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return resp, nil
}

// ListModels fetches the model catalog for the given API version and returns
// the raw body together with the upstream status code, so handlers can pass
// both through unmodified.
func (c *Client) ListModels(ctx context.Context, version string) (json.RawMessage, int, error) {
	u := fmt.Sprintf("%s/%s/models?key=%s", c.baseURL, version, url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	return raw, resp.StatusCode, nil
}

// modelURL builds {base}/{version}/models/{model}:{method}?key=... with the
// alt=sse query flag on streaming calls so the provider frames its output as
// an event stream. Catalog entries carry fully-qualified names
// ("models/gemini-1.5-pro"); the prefix is stripped so the path never ends
// up with a doubled "models/models/" segment.
func (c *Client) modelURL(version, model, method string, stream bool) string {
	model = strings.TrimPrefix(model, "models/")
	u := fmt.Sprintf("%s/%s/models/%s:%s?key=%s",
		c.baseURL, version, model, method, url.QueryEscape(c.apiKey))
	if stream {
		u += "&alt=sse"
	}
	return u
}
