// Package fetch issues shape requests over HTTP, retrying transient failures
// with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Fetcher issues a GET for rawURL. Implementations decorate one another:
// backoff, prefetch and header validation each wrap an inner Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*Response, error)
}

// Response is a fully read 2xx response. It is immutable once returned so a
// prefetched response can be handed to its consumer without copying.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// BackoffOptions controls retry of transport failures, 429 and 5xx.
type BackoffOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter picks each wait uniformly from [0, delay].
	Jitter bool
	// MaxRetries caps retries; 0 retries until the context is done.
	MaxRetries int
	// OnFailedAttempt is called after every retryable failure, before waiting.
	OnFailedAttempt func(attempt int, err error)
}

// DefaultBackoff returns the protocol's default backoff settings.
func DefaultBackoff() BackoffOptions {
	return BackoffOptions{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.3,
	}
}

// Options configures a Client.
type Options struct {
	// Timeout bounds a single round trip. It must exceed the server's
	// long-poll window; 0 disables it.
	Timeout time.Duration
	// RatePerSecond caps outgoing requests; 0 disables the limiter.
	RatePerSecond int
	// Compression advertises zstd and gzip and decodes the response body.
	Compression bool
	Backoff     BackoffOptions
	// HTTPClient overrides the underlying client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is the backoff-wrapped base Fetcher.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	backoff     BackoffOptions
	compression bool
	logger      *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Compile-time interface verification
var _ Fetcher = (*Client)(nil)

func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			MaxIdleConns:       100,
			MaxConnsPerHost:    10,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: false,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		}
	}

	b := opts.Backoff
	def := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}

	c := &Client{
		httpClient:  httpClient,
		backoff:     b,
		compression: opts.Compression,
		logger:      logger,
		sleep:       sleepContext,
		jitter:      rand.Float64,
	}
	if opts.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond*2)
	}
	return c
}

// Fetch issues the request, retrying transport errors, 429 and 5xx with
// exponential backoff. Other non-2xx statuses return a *FetchError at once
// and do not count as failed attempts.
func (c *Client) Fetch(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	delay := c.backoff.InitialDelay

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		resp, err := c.do(ctx, rawURL, header)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var fe *FetchError
		if errors.As(err, &fe) && !fe.Retryable() {
			return nil, err
		}

		if c.backoff.OnFailedAttempt != nil {
			c.backoff.OnFailedAttempt(attempt, err)
		}
		if c.backoff.MaxRetries > 0 && attempt > c.backoff.MaxRetries {
			return nil, fmt.Errorf("%w: %w", ErrMaxRetries, err)
		}

		wait := delay
		if c.backoff.Jitter {
			wait = time.Duration(c.jitter() * float64(delay))
		}
		if fe != nil {
			if ra := retryAfter(fe.Header, time.Now()); ra > wait {
				wait = ra
			}
		}

		c.logger.Debug("retrying request",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err),
		)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}

		delay = time.Duration(float64(delay) * c.backoff.Multiplier)
		if delay > c.backoff.MaxDelay {
			delay = c.backoff.MaxDelay
		}
	}
}

func (c *Client) do(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.compression {
		req.Header.Set("Accept-Encoding", "zstd, gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Read body before closing for error messages
	body, readErr := c.readBody(resp)
	_ = resp.Body.Close()

	if readErr != nil {
		return nil, fmt.Errorf("reading body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   body,
			URL:    rawURL,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        rawURL,
	}, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		return io.ReadAll(dec)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(resp.Body)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
