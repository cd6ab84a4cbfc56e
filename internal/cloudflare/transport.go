package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/firefart/dmarcremediator/internal/metrics"
)

// extra idle connections on top of the worker count so verification
// re-fetches never wait for a free connection
const poolOverhead = 10

type TransportConfig struct {
	Token      string
	Workers    int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Response struct {
	Status int
	Body   []byte
}

// Transport sends authenticated JSON requests and retries rate limited and
// server side failures with exponential backoff.
type Transport struct {
	client     *http.Client
	token      string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

type TransportOption func(*Transport)

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// WithSleep is useful for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) TransportOption {
	return func(t *Transport) { t.sleep = sleep }
}

func NewTransport(cfg TransportConfig, logger *slog.Logger, opts ...TransportOption) *Transport {
	t := &Transport{
		client:     newPooledClient(cfg.Workers),
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		logger:     logger,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newPooledClient(workers int) *http.Client {
	if workers < 1 {
		workers = 1
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          workers + poolOverhead,
		MaxIdleConnsPerHost:   workers + poolOverhead,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// per request timeouts are applied through the context
	return &http.Client{Transport: tr}
}

func (t *Transport) Get(ctx context.Context, u string, query url.Values, timeout time.Duration) (Response, error) {
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}
	return t.do(ctx, http.MethodGet, u, nil, timeout)
}

func (t *Transport) Put(ctx context.Context, u string, payload any, timeout time.Duration) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("could not marshal payload: %w", err)
	}
	return t.do(ctx, http.MethodPut, u, body, timeout)
}

func (t *Transport) Post(ctx context.Context, u string, payload any, timeout time.Duration) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("could not marshal payload: %w", err)
	}
	return t.do(ctx, http.MethodPost, u, body, timeout)
}

func (t *Transport) do(ctx context.Context, method, u string, body []byte, timeout time.Duration) (Response, error) {
	for attempt := 0; ; attempt++ {
		resp, retryAfter, err := t.attempt(ctx, method, u, body, timeout)

		retryable := err != nil || isRetryableStatus(resp.Status)
		if err == nil && !retryable {
			if resp.Status < 200 || resp.Status > 299 {
				return resp, &TransportError{Method: method, URL: u, Status: resp.Status, Attempts: attempt + 1, Err: fmt.Errorf("unexpected response: %s", truncate(resp.Body))}
			}
			return resp, nil
		}

		// the caller gave up, no point in retrying
		if ctx.Err() != nil {
			return resp, &TransportError{Method: method, URL: u, Status: resp.Status, Attempts: attempt + 1, Err: ctx.Err()}
		}

		if attempt >= t.maxRetries {
			if err == nil {
				err = fmt.Errorf("retry budget of %d exhausted", t.maxRetries)
			}
			return resp, &TransportError{Method: method, URL: u, Status: resp.Status, Attempts: attempt + 1, Err: err}
		}

		delay := t.backoff(attempt, retryAfter)
		t.logger.Debug("retrying request", "method", method, "url", u, "status", resp.Status, "attempt", attempt+1, "delay", delay, "err", err)
		metrics.HTTPRetry()
		if serr := t.sleep(ctx, delay); serr != nil {
			return resp, &TransportError{Method: method, URL: u, Status: resp.Status, Attempts: attempt + 1, Err: serr}
		}
	}
}

func (t *Transport) attempt(ctx context.Context, method, u string, body []byte, timeout time.Duration) (Response, time.Duration, error) {
	reqCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, bodyReader)
	if err != nil {
		return Response{}, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.HTTPRequest(method, 0)
		return Response{}, 0, err
	}
	defer resp.Body.Close()
	metrics.HTTPRequest(method, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Status: resp.StatusCode}, 0, fmt.Errorf("could not read body: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: b}, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

// backoff returns base * 2^attempt capped at the max delay. A Retry-After
// sent by the server takes precedence when it is longer.
func (t *Transport) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := t.baseDelay
	for i := 0; i < attempt && (t.maxDelay <= 0 || d < t.maxDelay); i++ {
		d *= 2
	}
	if retryAfter > d {
		d = retryAfter
	}
	if t.maxDelay > 0 && d > t.maxDelay {
		d = t.maxDelay
	}
	return d
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
