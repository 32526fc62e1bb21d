// Package vkapi implements the outbound client for the VK API: direct calls,
// the batching scheduler that multiplexes pending calls through the "execute"
// method, and the two-step file upload protocol.
package vkapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the VK API method endpoint prefix.
	DefaultBaseURL = "https://api.vk.com/method/"

	// DefaultVersion is the protocol version sent when the caller does not
	// supply one.
	DefaultVersion = "5.68"

	defaultTimeout       = 5 * time.Second
	defaultFlushInterval = 75 * time.Millisecond
	defaultBatchLimit    = 25
	defaultMaxAttempts   = 3
)

// Params holds named parameters for a VK API method call.
type Params map[string]any

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom API endpoint prefix.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVersion overrides the default protocol version.
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// WithFlushInterval overrides the batch flush interval.
func WithFlushInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.flushInterval = d
	}
}

// WithBatchLimit overrides the per-batch call limit.
func WithBatchLimit(n int) ClientOption {
	return func(c *Client) {
		c.batchLimit = n
	}
}

// WithMaxAttempts overrides the transport retry budget for direct calls.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client issues VK API calls on behalf of one community. Call enqueues a
// call for batched execution through "execute"; CallDirect bypasses the
// batch for the execute meta-call itself and for responses too large for
// batch transport.
//
// The pending queue and correlation state are owned by the scheduler
// goroutine started in New; callers only ever hold a Future for their own
// call.
type Client struct {
	accessToken string
	version     string
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger

	flushInterval time.Duration
	batchLimit    int
	maxAttempts   int

	mu     sync.Mutex
	queue  []*pendingCall
	closed bool
	done   chan struct{}
}

// New creates a client for the given community access token and starts its
// batch scheduler. Close must be called to stop the scheduler.
func New(accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		accessToken:   accessToken,
		version:       DefaultVersion,
		baseURL:       DefaultBaseURL,
		httpClient:    &http.Client{Timeout: defaultTimeout},
		logger:        slog.Default(),
		flushInterval: defaultFlushInterval,
		batchLimit:    defaultBatchLimit,
		maxAttempts:   defaultMaxAttempts,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// Close stops the batch scheduler. Calls still pending are failed with a
// TransportError wrapping ErrClientClosed so no caller is left waiting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// envelope is the top-level VK API response shape.
type envelope struct {
	Response      json.RawMessage `json:"response"`
	Error         *Error          `json:"error"`
	ExecuteErrors []ExecuteError  `json:"execute_errors"`
}

// Call enqueues a batched call and waits for its correlated outcome.
func (c *Client) Call(ctx context.Context, method string, params Params) (json.RawMessage, error) {
	return c.Enqueue(method, params).Await(ctx)
}

// CallDirect issues a single HTTP call immediately, bypassing the batch.
// The default protocol version and access token are injected unless the
// caller supplied their own. For the literal method "execute" the raw
// envelope is returned unprocessed so the scheduler can see both the result
// array and any per-item error queue; for every other method the envelope is
// unwrapped to its response field.
func (c *Client) CallDirect(ctx context.Context, method string, params Params) (json.RawMessage, error) {
	return c.callDirect(ctx, method, params, c.maxAttempts)
}

// callDirect is CallDirect with an explicit attempt budget. The batch
// scheduler flushes with a single attempt: an execute body carries many
// calls' worth of side effects, and retrying it could apply them twice.
func (c *Client) callDirect(ctx context.Context, method string, params Params, attempts int) (json.RawMessage, error) {
	form := url.Values{}
	for k, v := range params {
		s, err := paramString(v)
		if err != nil {
			return nil, fmt.Errorf("vkapi: encode parameter %q: %w", k, err)
		}
		form.Set(k, s)
	}
	if form.Get("v") == "" {
		form.Set("v", c.version)
	}
	if form.Get("access_token") == "" {
		form.Set("access_token", c.accessToken)
	}

	raw, err := c.post(ctx, c.baseURL+method, form.Encode(), attempts)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &TransportError{Cause: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Error != nil {
		return nil, env.Error
	}
	if method == methodExecute {
		return raw, nil
	}
	return env.Response, nil
}

// post sends one form-encoded POST, retrying transport failures up to the
// attempt budget. Remote application errors live inside a 200 body and are
// never seen here.
func (c *Client) post(ctx context.Context, endpoint, body string, attempts int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := c.postOnce(ctx, endpoint, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		c.logger.Debug("transport failure, retrying",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return nil, &TransportError{Cause: lastErr}
}

func (c *Client) postOnce(ctx context.Context, endpoint, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

// paramString renders one parameter value for the form body. Strings pass
// through, scalars use their canonical text form, everything else is JSON.
func paramString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.RawMessage:
		return string(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
