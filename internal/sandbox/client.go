// Package sandbox is the client for the remote runner service that hosts
// generated apps. Every request from every Client goes through one FIFO queue
// so the service never sees more than one call in flight from this process.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"appforge/internal/logging"
	"appforge/internal/metrics"
)

const (
	maxRateLimitRetries   = 5
	initialRateLimitDelay = time.Second
	maxRateLimitDelay     = 30 * time.Second
	maxJitter             = 250 * time.Millisecond
	postRequestDelay      = 200 * time.Millisecond
)

// Failure texts returned in Response.Error.
const (
	ErrTextValidation   = "Failed to validate response"
	ErrTextRequest      = "Request failed"
	ErrTextRateLimit    = "Rate limit retries exceeded"
	ErrTextCancelled    = "context canceled"
	ErrTextInvalidInput = "Invalid request"
)

var validate = validator.New()

// Client calls the sandbox service on behalf of one session.
type Client struct {
	baseURL    string
	token      string
	sessionID  string
	httpClient *http.Client
	queue      *Queue
	logger     *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	pause  func(d time.Duration)
	jitter func() time.Duration
	now    func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithEndpoint sets the service base URL and bearer token.
func WithEndpoint(baseURL, token string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
		c.token = token
	}
}

// WithQueue replaces the process-wide queue.
func WithQueue(q *Queue) Option {
	return func(c *Client) { c.queue = q }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces the timing hooks. Nil arguments keep the defaults.
func WithClock(sleep func(context.Context, time.Duration) error, pause func(time.Duration), jitter func() time.Duration) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
		if pause != nil {
			c.pause = pause
		}
		if jitter != nil {
			c.jitter = jitter
		}
	}
}

// NewClient creates a client for sessionID.
func NewClient(sessionID string, opts ...Option) *Client {
	c := &Client{
		sessionID: sessionID,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logging.ForSession("sandbox", sessionID),
		sleep:  contextSleep,
		pause:  time.Sleep,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queue == nil {
		c.queue = DefaultQueue()
	}
	return c
}

// SessionID returns the session the client speaks for.
func (c *Client) SessionID() string { return c.sessionID }

// Factory builds per-session clients sharing one endpoint and queue.
type Factory struct {
	opts []Option
}

// NewFactory creates a Factory for the service at baseURL.
func NewFactory(baseURL, token string, opts ...Option) *Factory {
	return &Factory{opts: append([]Option{WithEndpoint(baseURL, token)}, opts...)}
}

// Client returns a client for sessionID.
func (f *Factory) Client(sessionID string) *Client {
	return NewClient(sessionID, f.opts...)
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

type callOptions struct {
	reset bool
}

// WithReset asks the service to discard the session's container state first.
func WithReset() CallOption {
	return func(o *callOptions) { o.reset = true }
}

type request struct {
	method   string
	path     string
	body     interface{}
	validate bool
	reset    bool
}

// do queues req, waits for it to finish and decodes into out. Failures are
// reported through out rather than as errors.
func (c *Client) do(ctx context.Context, req request, out Response) {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				out.fail(ErrTextRequest)
				panic(r)
			}
		}()
		c.execute(ctx, req, out)
	}
	if err := c.queue.Submit(job); err != nil {
		out.fail(err.Error())
		return
	}
	<-finished
	metrics.Get().RecordSandboxRequest(endpointLabel(req.path), out.OK())
}

func (c *Client) execute(ctx context.Context, req request, out Response) {
	if ctx.Err() != nil {
		out.fail(ErrTextCancelled)
		return
	}
	defer c.pause(postRequestDelay)

	var payload []byte
	if req.body != nil {
		if err := validateStruct(req.body); err != nil {
			c.logger.Error("invalid sandbox request", zap.String("path", req.path), zap.Error(err))
			out.fail(fmt.Sprintf("%s: %v", ErrTextInvalidInput, err))
			return
		}
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			out.fail(ErrTextRequest)
			return
		}
	}

	target := c.baseURL + req.path
	delay := initialRateLimitDelay
	for attempt := 0; attempt < maxRateLimitRetries; attempt++ {
		resp, err := c.send(ctx, req, target, payload)
		if err != nil {
			c.logger.Error("error making request to sandbox service", zap.String("url", target), zap.Error(err))
			out.fail(ErrTextRequest)
			return
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := delay
			if ra := parseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ra > wait {
				wait = ra
			}
			resp.Body.Close()
			wait += c.jitter()
			metrics.Get().SandboxRateLimited.Inc()
			c.logger.Warn("sandbox rate limit hit, backing off",
				zap.String("url", target),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxRateLimitRetries))
			if err := c.sleep(ctx, wait); err != nil {
				out.fail(ErrTextCancelled)
				return
			}
			delay = wait * 2
			if delay > maxRateLimitDelay {
				delay = maxRateLimitDelay
			}
			continue
		}

		c.decode(resp, req, target, out)
		return
	}
	out.fail(ErrTextRateLimit)
}

func (c *Client) send(ctx context.Context, req request, target string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	// In-flight requests are not cancelled; cancellation only stops new ones.
	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), req.method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("x-session-id", c.sessionID)
	if req.reset {
		httpReq.Header.Set("x-container-action", "reset")
	}
	return c.httpClient.Do(httpReq)
}

func (c *Client) decode(resp *http.Response, req request, target string, out Response) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		out.fail(ErrTextRequest)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("sandbox service request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", target),
			zap.String("body", string(raw)))
		out.fail(string(raw))
		return
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Error("failed to decode sandbox response", zap.String("url", target), zap.Error(err))
		out.fail(ErrTextValidation)
		return
	}
	if req.validate {
		if err := validateStruct(out); err != nil {
			c.logger.Error("failed to validate sandbox response", zap.String("url", target), zap.Error(err))
			out.fail(ErrTextValidation)
		}
	}
}

func validateStruct(v interface{}) error {
	return validate.Struct(v)
}

// parseRetryAfter accepts delay-seconds or an HTTP-date. Unparseable or past
// values yield zero.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(h, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// endpointLabel collapses instance ids out of a path for metric labels.
func endpointLabel(path string) string {
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && (parts[0] == "instances" || parts[0] == "templates") {
		parts[1] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

func instancePath(instanceID string, suffix string) string {
	return "/instances/" + url.PathEscape(instanceID) + suffix
}
