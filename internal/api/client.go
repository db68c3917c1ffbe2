package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nutsfarm/internal/pace"
	logx "nutsfarm/pkg/logx"

	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// Policy bounds the retry loop. It is immutable and shared by every session.
type Policy struct {
	MaxAttempts int
	Backoff     pace.Range
	Timeout     pace.Range
}

// Options configure a Client. One Client serves one session.
type Options struct {
	BaseURL   string // service root; "/api/v1" is appended
	Policy    Policy
	Proxy     *url.URL
	UserAgent string
	Language  string

	// RatePerSec caps requests per second; 0 disables the limiter.
	RatePerSec float64

	Log   logx.Logger
	Rand  *pace.Rand
	Sleep pace.SleepFunc
	// HTTPClient overrides the transport (tests). Proxy is ignored when set.
	HTTPClient *http.Client
}

// Client is the retrying request executor for one session.
type Client struct {
	base    *url.URL
	apiRoot string
	policy  Policy
	ua      string
	lang    string

	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	rng     *pace.Rand
	sleep   pace.SleepFunc

	mu    sync.RWMutex
	token string
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api: invalid base url %q", opts.BaseURL)
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.Language == "" {
		opts.Language = "ru"
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Proxy != nil {
			tr.Proxy = http.ProxyURL(opts.Proxy)
		}
		hc = &http.Client{Transport: tr}
	}

	c := &Client{
		base:    base,
		apiRoot: base.String() + "/api/v1/",
		policy:  opts.Policy,
		ua:      opts.UserAgent,
		lang:    strings.ToLower(opts.Language),
		http:    hc,
		log:     opts.Log,
		rng:     opts.Rand,
		sleep:   opts.Sleep,
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	if c.rng == nil {
		c.rng = pace.Seeded()
	}
	if c.sleep == nil {
		c.sleep = pace.Sleep
	}
	return c, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Do executes op under the retry policy.
//
// Server errors (5xx, 408, 429) and transport failures are retried after a
// backoff drawn from Policy.Backoff; when attempts run out the result is
// ErrExhaustedRetries wrapping the last failure. Other non-2xx statuses come
// back as *StatusError on the first attempt.
//
// Once ctx is done no new attempt or backoff starts, but an attempt already
// on the wire runs to completion (bounded by its own timeout).
func (c *Client) Do(ctx context.Context, op Operation) (Value, error) {
	if op.err != nil {
		return Value{}, fmt.Errorf("api: %s: %w", op, op.err)
	}
	token := c.Token()
	if op.Auth && token == "" {
		return Value{}, ErrUnauthenticated
	}

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Value{}, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Value{}, err
			}
		}

		v, err := c.attempt(ctx, op, token)
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return Value{}, err
		}
		lastErr = err
		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := c.rng.Duration(c.policy.Backoff)
		c.log.Debug("request failed; retrying",
			logx.String("op", op.String()),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return Value{}, err
		}
	}

	c.log.Warn("request failed after retries",
		logx.String("op", op.String()),
		logx.Int("attempts", c.policy.MaxAttempts),
		logx.Err(lastErr),
	)
	return Value{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhaustedRetries, op, c.policy.MaxAttempts, lastErr)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "api: transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}

func (c *Client) attempt(ctx context.Context, op Operation, token string) (Value, error) {
	timeout := c.rng.Duration(c.policy.Timeout)
	actx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		actx, cancel = context.WithTimeout(actx, timeout)
		defer cancel()
	}

	target := c.apiRoot + strings.TrimLeft(op.Path, "/")
	if len(op.Query) > 0 {
		target += "?" + op.Query.Encode()
	}
	var body io.Reader
	if op.Body != nil {
		body = bytes.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(actx, op.Method, target, body)
	if err != nil {
		return Value{}, fmt.Errorf("api: build %s: %w", op, err)
	}
	if !op.Auth {
		token = ""
	}
	applyHeaders(req.Header, c.base, c.ua, c.lang, token)
	if op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Value{}, &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Value{}, &transportError{err: err}
	}
	if c.log.Enabled(logx.LevelTrace) {
		c.log.Trace("response",
			logx.String("op", op.String()),
			logx.Int("status", resp.StatusCode),
			logx.String("content_type", resp.Header.Get("Content-Type")),
			logx.Duration("took", time.Since(start)),
			logx.String("body", truncate(string(raw), 500)),
		)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Value{}, &StatusError{Method: op.Method, Path: op.Path, Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 200)}
	}
	if resp.StatusCode == http.StatusNoContent {
		return Value{Kind: KindEmpty}, nil
	}
	return decodeBody(raw), nil
}
