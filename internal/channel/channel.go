// Package channel is the authenticated HTTPS request executor shared by the
// auth session, the photo pipeline and activity sync. It validates requests
// before any I/O, attaches bearer tokens, bounds every attempt with a timeout
// and retries network failures and 5xx responses with capped backoff.
package channel

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
	"sync"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/metrics"
)

// TokenSource supplies the bearer token for authenticated requests
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Request describes one logical request
type Request struct {
	Method      string
	URL         string // absolute, or relative to Config.BaseURL
	Headers     map[string]string
	Body        any
	RequireAuth bool

	// RetryAttempts overrides Config.RetryAttempts when set
	RetryAttempts *int
	// Timeout overrides Config.Timeout per attempt when positive
	Timeout time.Duration
}

// Response is a parsed response. Body is decoded JSON (any), a string for
// text/* or the raw bytes otherwise.
type Response struct {
	Status  int
	Headers http.Header
	Body    any
	Raw     []byte
}

// DecodeJSON unmarshals the raw body into v
func (r *Response) DecodeJSON(v any) error {
	if r == nil || len(r.Raw) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Raw, v)
}

// Channel executes requests against the backend
type Channel struct {
	config      Config
	client      *http.Client
	metrics     *metrics.Metrics
	logger      logging.Logger
	retryLogger errs.RetryLogger

	mu     sync.RWMutex
	tokens TokenSource
}

// New creates a channel. A nil client gets a default one. The client is copied
// so redirects can be restricted to https without touching the caller's value.
func New(config Config, client *http.Client, m *metrics.Metrics, logger logging.Logger) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrDefault(logger)

	cl := &http.Client{}
	if client != nil {
		copied := *client
		cl = &copied
	}
	cl.CheckRedirect = httpsOnlyRedirect

	return &Channel{
		config:      config,
		client:      cl,
		metrics:     m,
		logger:      logger,
		retryLogger: errs.NewLoggerBridge(logger),
	}, nil
}

// SetTokenSource sets the bearer token source. The auth session and the
// channel reference each other, so this happens after construction.
func (c *Channel) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// Config returns a copy of the channel configuration
func (c *Channel) Config() Config {
	return c.config
}

func httpsOnlyRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf("refusing redirect to %s", req.URL.Scheme)
	}
	return nil
}

// bodyFunc produces a fresh request body for each attempt. length is -1 when
// unknown; contentType overrides the prepared header when non-empty.
type bodyFunc func() (body io.ReadCloser, length int64, contentType string, err error)

// call is a fully validated request ready to execute
type call struct {
	op          string
	method      string
	target      *url.URL
	header      http.Header
	body        bodyFunc
	timeout     time.Duration
	retries     int
	requireAuth bool
}

// Request executes req and returns the parsed response. 4xx responses are
// returned immediately as a CommunicationError carrying status and body.
func (c *Channel) Request(ctx context.Context, req Request) (*Response, error) {
	const op = "SecureChannel.Request"

	cl, err := c.prepare(op, req.Method, req.URL, req.Headers, req.RetryAttempts, req.Timeout, c.config.Timeout)
	if err != nil {
		return nil, err
	}
	cl.requireAuth = req.RequireAuth

	payload, contentType, err := encodeBody(op, req.Body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		if cl.header.Get("Content-Type") == "" {
			cl.header.Set("Content-Type", contentType)
		}
		cl.body = func() (io.ReadCloser, int64, string, error) {
			return io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), "", nil
		}
	}
	if cl.header.Get("Accept") == "" {
		cl.header.Set("Accept", "application/json, text/plain, */*")
	}

	var out *Response
	err = c.execute(ctx, cl, func(resp *http.Response) error {
		raw, err := c.readBody(op, cl, resp)
		if err != nil {
			return err
		}
		parsed, err := parseBody(resp.Header.Get("Content-Type"), raw, true)
		if err != nil {
			return &errs.CommunicationError{Op: op, Method: cl.method, URL: redactURL(cl.target), Status: resp.StatusCode, Err: err}
		}
		out = &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: parsed, Raw: raw}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// prepare validates method, URL and headers and resolves per-request overrides
func (c *Channel) prepare(op, method, rawURL string, headers map[string]string, retries *int, timeout, defaultTimeout time.Duration) (*call, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if !validToken(method) {
		return nil, errs.NewValidationError(op, "method", method, "invalid method")
	}

	target, err := resolveURL(op, c.config.BaseURL, rawURL)
	if err != nil {
		return nil, err
	}

	header, err := sanitizeHeaders(op, headers, c.config)
	if err != nil {
		return nil, err
	}

	cl := &call{
		op:      op,
		method:  method,
		target:  target,
		header:  header,
		timeout: defaultTimeout,
		retries: c.config.RetryAttempts,
	}
	if retries != nil {
		if *retries < 0 {
			return nil, errs.NewValidationError(op, "retry_attempts", fmt.Sprint(*retries), "must not be negative")
		}
		cl.retries = *retries
	}
	if timeout > 0 {
		cl.timeout = timeout
	}
	return cl, nil
}

// bearer fetches the token once per logical request. A missing token is
// reported as 401 so it is never retried.
func (c *Channel) bearer(ctx context.Context, cl *call) (string, error) {
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()

	fail := func(err error) error {
		return &errs.CommunicationError{
			Op:     cl.op,
			Method: cl.method,
			URL:    redactURL(cl.target),
			Status: http.StatusUnauthorized,
			Err:    err,
		}
	}
	if ts == nil {
		return "", fail(errors.New("no access token available"))
	}
	token, err := ts.AccessToken(ctx)
	if err != nil {
		return "", fail(fmt.Errorf("no access token available: %w", err))
	}
	if token == "" {
		return "", fail(errors.New("no access token available"))
	}
	return token, nil
}

// execute runs cl under the retry policy. handle consumes a successful
// response inside the attempt so body read failures are retried too.
func (c *Channel) execute(ctx context.Context, cl *call, handle func(*http.Response) error) error {
	start := time.Now()

	if cl.requireAuth {
		token, err := c.bearer(ctx, cl)
		if err != nil {
			c.metrics.RecordChannelRequest(cl.method, 0, time.Since(start))
			return err
		}
		cl.header.Set("Authorization", "Bearer "+token)
	}

	attempts := 0
	status := 0
	err := errs.WithRetryContext(ctx, c.config.retryConfig(cl.retries, c.retryLogger), func() error {
		if attempts > 0 {
			c.metrics.RecordChannelRetry(cl.method)
		}
		attempts++
		var err error
		status, err = c.attempt(ctx, cl, handle)
		return err
	}, cl.op)

	duration := time.Since(start)
	c.metrics.RecordChannelRequest(cl.method, status, duration)

	if err != nil {
		c.logger.Warn("Secure channel request failed",
			"method", cl.method,
			"url", redactURL(cl.target),
			"status", status,
			"attempts", attempts,
			"duration_ms", duration.Milliseconds(),
			"error", err.Error(),
		)
		return err
	}
	c.logger.Debug("Secure channel request completed",
		"method", cl.method,
		"url", redactURL(cl.target),
		"status", status,
		"attempts", attempts,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// attempt performs a single try bounded by the per-attempt timeout
func (c *Channel) attempt(ctx context.Context, cl *call, handle func(*http.Response) error) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var (
		body        io.ReadCloser
		length      int64
		contentType string
	)
	if cl.body != nil {
		var err error
		body, length, contentType, err = cl.body()
		if err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(attemptCtx, cl.method, cl.target.String(), body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return 0, errs.NewValidationError(cl.op, "request", cl.method, err.Error())
	}
	req.Header = cl.header.Clone()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if body != nil {
		req.ContentLength = length
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// url.Error repeats the full URL, presigned query included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return 0, &errs.CommunicationError{Op: cl.op, Method: cl.method, URL: redactURL(cl.target), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes))
		parsed, _ := parseBody(resp.Header.Get("Content-Type"), raw, false)
		return resp.StatusCode, &errs.CommunicationError{
			Op:     cl.op,
			Method: cl.method,
			URL:    redactURL(cl.target),
			Status: resp.StatusCode,
			Body:   parsed,
		}
	}

	if err := handle(resp); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// readBody reads a response body up to the configured ceiling
func (c *Channel) readBody(op string, cl *call, resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes+1))
	if err != nil {
		// Status 0 marks a transport failure so the attempt is retried
		return nil, &errs.CommunicationError{Op: op, Method: cl.method, URL: redactURL(cl.target), Err: fmt.Errorf("read response: %w", err)}
	}
	if int64(len(raw)) > c.config.MaxResponseBytes {
		return nil, &errs.CommunicationError{
			Op:     op,
			Method: cl.method,
			URL:    redactURL(cl.target),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("response exceeds %d bytes", c.config.MaxResponseBytes),
		}
	}
	return raw, nil
}
