package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"archivecrawler/internal/processor"
	"archivecrawler/pkg/types"
)

// ErrRetriesExhausted is returned once every retry of a transient failure failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

var errTransport = errors.New("transport failure")

// StatusError reports a non-retryable HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Article is the outcome of fetching one document page. Text is empty when
// the fetch failed or nothing readable was found.
type Article struct {
	URL       string
	Title     string
	Text      string
	Origin    string
	FetchedAt time.Time
}

// Client fetches archive pages through the shared politeness gate, retrying
// transient failures with exponential backoff.
type Client struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
	maxRetries   int
	backoff      time.Duration

	gate      *Gate
	extractor *processor.Extractor
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New constructs a throttled client. gate may be shared with other callers.
func New(opts Options, gate *Gate, extractor *processor.Extractor, options ...Option) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if gate == nil {
		return nil, errors.New("fetcher requires a gate")
	}
	if extractor == nil {
		return nil, errors.New("fetcher requires an extractor")
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	c := &Client{
		client:       &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		maxRetries:   opts.MaxRetries,
		backoff:      opts.RetryBackoff,
		gate:         gate,
		extractor:    extractor,
		logger:       slog.Default(),
		sleep:        sleepContext,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Gate exposes the politeness gate so discovery can share it.
func (c *Client) Gate() *Gate {
	return c.gate
}

// HTTPClient exposes the underlying client for reuse (eg. robots.txt fetches).
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Fetch returns the extracted text of rawURL, or "" on any failure.
func (c *Client) Fetch(ctx context.Context, rawURL string) string {
	return c.FetchArticle(ctx, rawURL).Text
}

// FetchArticle downloads and extracts one article. Failures are logged and
// reported as an Article with empty Text; the caller skips such documents.
func (c *Client) FetchArticle(ctx context.Context, rawURL string) Article {
	out := Article{URL: rawURL}
	if rawURL == "" {
		return out
	}
	logger := c.logger.With("url", rawURL)

	page, err := c.Get(ctx, rawURL)
	if err != nil {
		logger.Warn("fetch failed", "error", err)
		return out
	}
	out.FetchedAt = page.FetchedAt

	content, err := c.extractor.Extract(page.Body, page.FinalURL)
	if err != nil {
		logger.Warn("content extraction failed", "error", err)
		return out
	}
	out.Title, out.Text, out.Origin = content.Title, content.Text, content.Origin
	if out.Text == "" {
		logger.Warn("no content extracted")
	}
	return out
}

// Get downloads rawURL. Every attempt waits on the gate; 429 and 5xx
// responses and transport errors are retried.
func (c *Client) Get(ctx context.Context, rawURL string) (*types.Page, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := c.do(ctx, http.MethodGet, target)
		var retryAfter time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !errors.Is(err, errTransport) {
				return nil, err
			}
		case retryableStatus(page.StatusCode):
			retryAfter = parseRetryAfter(page.Headers.Get("Retry-After"), time.Now())
			err = &StatusError{StatusCode: page.StatusCode}
		case page.StatusCode >= 400:
			return nil, &StatusError{StatusCode: page.StatusCode}
		default:
			page.Attempts = attempt + 1
			return page, nil
		}

		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
		wait := c.backoff << attempt
		if retryAfter > wait {
			wait = retryAfter
		}
		c.logger.Debug("retrying fetch", "url", rawURL, "attempt", attempt+1, "wait", wait.String(), "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Probe issues a single HEAD request through the gate.
func (c *Client) Probe(ctx context.Context, rawURL string) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	page, err := c.do(ctx, http.MethodHead, target)
	if err != nil {
		return err
	}
	if page.StatusCode >= 400 {
		return &StatusError{StatusCode: page.StatusCode}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, target *url.URL) (*types.Page, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransport, err)
	}

	body, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &types.Page{
		URL:             target,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now().UTC(),
		ResponseLatency: time.Since(start),
	}, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, c.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", errTransport, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", c.maxBodyBytes)
	}
	return body, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
