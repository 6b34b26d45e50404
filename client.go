package fetchkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rulereel/fetchkit/internal/backoff"
)

// Client is the resilient request layer every upstream call goes
// through. It layers de-duplication, retries with backoff, per-attempt
// and overall timeouts, decoding, error classification, failure
// notifications, rate limiting, circuit breaking, middleware and
// metrics around the standard net/http Client. It is safe for
// concurrent use.
type Client struct {
	httpClient     *http.Client
	timeout        time.Duration
	maxRetries     int
	backoffBase    time.Duration
	backoffCap     time.Duration
	strategy       backoff.Strategy
	retryPolicy    RetryPolicy
	retryBudget    *RetryBudget
	limiter        *RateLimiter
	endpointLimits *EndpointLimiters
	breaker        *CircuitBreaker
	middleware     []Middleware
	inflight       *InflightRegistry
	notifier       Notifier
	gate           *notifyGate
	metrics        *MetricsCollector
	debug          *DebugConfig
	logger         Logger
	clock          clockwork.Clock

	validationError error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for
// errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient:  &http.Client{},
		timeout:     30 * time.Second,
		maxRetries:  3,
		backoffBase: 100 * time.Millisecond,
		backoffCap:  10 * time.Second,
		breaker:     NewCircuitBreaker(CircuitBreakerConfig{}),
		inflight:    NewInflightRegistry(),
		gate:        newNotifyGate(),
		clock:       clockwork.NewRealClock(),
	}

	for _, option := range options {
		option(client)
	}

	if client.strategy == nil {
		client.strategy = backoff.NewExponentialJitter(nil)
	}
	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.backoffBase, client.backoffCap, client.strategy)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Fetch executes the described request applying all reliability
// features and returns its settled outcome. Concurrent calls sharing a
// DedupeKey issue at most one network call and receive the identical
// *Response or error.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if verr := req.validate(); verr != nil {
		return nil, verr
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	start := c.clock.Now()
	endpoint := endpointOf(req.URL)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("starting request",
			"requestID", requestID, "method", req.Method, "url", req.URL,
			"area", req.Area, "action", req.Action, "dedupeKey", req.DedupeKey)
	}

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	if req.Notify != nil {
		c.gate.enter(req.Notify.Key)
		defer c.gate.leave(req.Notify.Key)
	}

	var resp *Response
	var err error

	if req.DedupeKey != "" && c.inflight != nil {
		entry, owner := c.inflight.Acquire(req.DedupeKey)
		if owner {
			resp, err = c.dispatch(ctx, req, requestID)
			c.inflight.Complete(req.DedupeKey, resp, err)
		} else {
			c.metrics.RecordDedupJoin(req.Method, endpoint)
			if c.debug != nil && c.debug.Enabled && c.debug.LogDedup && c.logger != nil {
				c.logger.Debug("joined in-flight request", "requestID", requestID, "dedupeKey", req.DedupeKey)
			}
			resp, err = entry.Wait(ctx)
		}
	} else {
		resp, err = c.dispatch(ctx, req, requestID)
	}

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, c.clock.Since(start))

	if err != nil {
		c.reportFailure(req, err)
	}

	return resp, err
}

// FetchJSON is Fetch with the response type forced to JSON; the parsed
// document is available on Response.Value.
func (c *Client) FetchJSON(ctx context.Context, url string, req Request) (*Response, error) {
	req.URL = url
	req.ResponseType = ResponseJSON
	return c.Fetch(ctx, req)
}

// Get performs a GET for the raw response.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, Request{URL: url})
}

// GetJSON performs a GET and unmarshals the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Fetch(ctx, Request{URL: url, ResponseType: ResponseBytes})
	if err != nil {
		return err
	}
	return resp.DecodeJSON(v)
}

// PostJSON performs a POST with a JSON payload and, when v is non-nil,
// unmarshals the JSON response into it.
func (c *Client) PostJSON(ctx context.Context, url string, payload, v any) error {
	resp, err := c.Fetch(ctx, Request{
		URL:          url,
		Method:       http.MethodPost,
		Body:         payload,
		ResponseType: ResponseBytes,
	})
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return resp.DecodeJSON(v)
}

// dispatch owns the attempt loop for one logical request: it applies
// admission control, issues attempts under the overall deadline,
// classifies failures and waits out backoff between retries.
func (c *Client) dispatch(ctx context.Context, req Request, requestID string) (*Response, error) {
	endpoint := endpointOf(req.URL)
	start := c.clock.Now()

	body, isJSON, err := encodeBody(req.Body)
	if err != nil {
		return nil, c.newError(req, KindValidation, "encoding request body failed", err, 0, 0, requestID, start)
	}

	overall := ctx
	if req.MaxTimeout > 0 {
		var cancel context.CancelFunc
		overall, cancel = context.WithTimeout(ctx, req.MaxTimeout)
		defer cancel()
	}

	retries := c.maxRetries
	if req.Retries > 0 {
		retries = req.Retries
	} else if req.Retries < 0 {
		retries = 0
	}

	policy := c.retryPolicy
	if def, ok := policy.(*DefaultRetryPolicy); ok && (req.BackoffBase > 0 || req.BackoffCap > 0) {
		policy = def.withBackoff(req.BackoffBase, req.BackoffCap)
	}

	expected := req.expectedSet()

	for attempt := 0; ; attempt++ {
		if rerr := c.admit(req, endpoint, attempt, retries, requestID, start); rerr != nil {
			c.metrics.RecordError(rerr.Kind, req.Method, endpoint)
			return nil, rerr
		}

		if attempt > 0 {
			c.metrics.RecordRetry(req.Method, endpoint, attempt)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("retry attempt", "requestID", requestID, "attempt", attempt, "maxRetries", retries, "endpoint", endpoint)
			}
		}

		resp, rerr := c.attempt(ctx, overall, req, body, isJSON, expected, attempt, retries, requestID, start)

		if c.breaker != nil {
			switch {
			case rerr == nil:
				c.breaker.RecordSuccess()
			case rerr.Kind == KindNetwork || rerr.Kind == KindTimeout ||
				(rerr.Kind == KindHTTPStatus && rerr.StatusCode >= 500):
				c.breaker.RecordFailure()
			}
			c.metrics.RecordCircuitBreakerState("default", c.breaker.State())
		}

		if rerr == nil {
			return resp, nil
		}
		c.metrics.RecordError(rerr.Kind, req.Method, endpoint)

		// Cancellation and the overall deadline bypass remaining retries;
		// so does an exhausted attempt budget.
		if rerr.Kind == KindCanceled || overall.Err() != nil || attempt >= retries {
			return nil, rerr
		}

		delay, retry := policy.ShouldRetry(resp, rerr, attempt)
		if !retry {
			return nil, rerr
		}

		if c.retryBudget != nil && !c.retryBudget.Allow() {
			c.metrics.RecordRetryBudgetExceeded(endpoint)
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Warn("retry budget exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			return nil, c.newError(req, KindRateLimit, "retry budget exceeded", ErrRetryBudgetExceeded, attempt, retries, requestID, start)
		}

		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
			c.logger.Info("scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay, "endpoint", endpoint)
		}

		select {
		case <-c.clock.After(delay):
		case <-overall.Done():
			kind, msg := classifyTransport(overall.Err(), ctx, overall)
			return nil, c.newError(req, kind, msg, overall.Err(), attempt, retries, requestID, start)
		}
	}
}

// attempt issues one network call under its per-attempt deadline, reads
// the body, checks the expected status set and decodes. resp is non-nil
// whenever a response was received, even alongside an error, so the
// retry policy can consult headers like Retry-After.
func (c *Client) attempt(parent, overall context.Context, req Request, body []byte, isJSON bool,
	expected map[int]struct{}, attempt, retries int, requestID string, start time.Time) (*Response, *RequestError) {

	attemptCtx := overall
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(overall, timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, c.newError(req, KindValidation, "building request failed", err, attempt, retries, requestID, start)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if isJSON && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.roundTrip(httpReq)
	if err != nil {
		kind, msg := classifyTransport(err, parent, overall)
		return nil, c.newError(req, kind, msg, err, attempt, retries, requestID, start)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		kind, msg := classifyTransport(err, parent, overall)
		return nil, c.newError(req, kind, msg, err, attempt, retries, requestID, start)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       raw,
	}

	if _, ok := expected[resp.StatusCode]; !ok {
		rerr := c.newError(req, KindHTTPStatus,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, endpointOf(req.URL)), nil,
			attempt, retries, requestID, start)
		rerr.StatusCode = resp.StatusCode
		return resp, rerr
	}

	if derr := decode(resp, req.ResponseType); derr != nil {
		derr.Area = req.Area
		derr.Action = req.Action
		derr.RequestID = requestID
		derr.Method = req.Method
		derr.URL = req.URL
		derr.Attempt = attempt
		derr.MaxRetries = retries
		derr.Timestamp = c.clock.Now()
		derr.Duration = c.clock.Since(start)
		return resp, derr
	}

	return resp, nil
}

// admit applies rate limiting and circuit breaking before an attempt.
func (c *Client) admit(req Request, endpoint string, attempt, retries int, requestID string, start time.Time) *RequestError {
	if c.limiter != nil {
		if !c.limiter.Allow() {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
				c.logger.Warn("rate limit exceeded", "requestID", requestID, "endpoint", endpoint)
			}
			return c.newError(req, KindRateLimit, "rate limit exceeded", ErrRateLimited, attempt, retries, requestID, start)
		}
		c.metrics.RecordRateLimiterTokens("default", c.limiter.Tokens())
	}

	if c.endpointLimits != nil && !c.endpointLimits.Allow(endpoint) {
		if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
			c.logger.Warn("endpoint rate limit exceeded", "requestID", requestID, "endpoint", endpoint)
		}
		return c.newError(req, KindRateLimit, "endpoint rate limit exceeded", ErrRateLimited, attempt, retries, requestID, start)
	}

	if c.breaker != nil && !c.breaker.Allow() {
		if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
			c.logger.Warn("circuit breaker open", "requestID", requestID, "endpoint", endpoint)
		}
		return c.newError(req, KindCircuitOpen, "circuit breaker is open", ErrCircuitOpen, attempt, retries, requestID, start)
	}

	return nil
}

// roundTrip executes the middleware chain ending at the HTTP client.
func (c *Client) roundTrip(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// reportFailure routes a settled failure to the notification hook.
// Intentional cancellation (component unmount, navigation) stays quiet.
func (c *Client) reportFailure(req Request, err error) {
	if req.Notify == nil {
		return
	}
	notifier := req.Notify.Emitter
	if notifier == nil {
		notifier = c.notifier
	}
	if notifier == nil {
		return
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		reqErr = &RequestError{Kind: KindNetwork, Message: err.Error(), Cause: err}
	}
	if reqErr.Kind == KindCanceled {
		return
	}

	note := Notification{
		Variant:   "error",
		Message:   reqErr.Message,
		DedupeKey: req.Notify.Key,
	}
	if c.gate.report(notifier, note) {
		c.metrics.RecordNotification(req.Area, req.Action)
		if c.debug != nil && c.debug.Enabled && c.debug.LogNotify && c.logger != nil {
			c.logger.Debug("notification emitted", "dedupeKey", note.DedupeKey, "message", note.Message)
		}
	}
}

// newError builds a classified error enriched with call provenance.
func (c *Client) newError(req Request, kind ErrorKind, message string, cause error,
	attempt, retries int, requestID string, start time.Time) *RequestError {
	return &RequestError{
		Kind:       kind,
		Message:    message,
		Cause:      cause,
		Area:       req.Area,
		Action:     req.Action,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL,
		Attempt:    attempt,
		MaxRetries: retries,
		Timestamp:  c.clock.Now(),
		Duration:   c.clock.Since(start),
	}
}
