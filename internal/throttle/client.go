// Package throttle is the tagged outbound HTTP client. Every call site
// supplies a stable tag so remote endpoints see per-endpoint backpressure
// instead of one shared bucket.
package throttle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 60 * time.Second
	defaultRPS     = 5
	defaultBurst   = 10

	// maxResponseBytes bounds catalog and preview payloads; remote catalogs
	// are small JSON/markdown files.
	maxResponseBytes = 20 << 20
)

type Options struct {
	Logger *slog.Logger

	// Timeout bounds each request end to end.
	Timeout time.Duration

	// RequestsPerSecond and Burst configure each per-tag token bucket.
	RequestsPerSecond float64
	Burst             int
}

type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Client struct {
	log  *slog.Logger
	http *http.Client

	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Client{
		log:      log,
		http:     &http.Client{Timeout: timeout},
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

// Fetch waits on the tag's token bucket, then issues the request. Transport
// errors are wrapped with the tag; HTTP error statuses are returned to the
// caller in the Response, not converted to errors here.
func (c *Client) Fetch(ctx context.Context, tag string, rawURL string, opts FetchOptions) (*Response, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, errors.New("missing throttle tag")
	}
	if err := c.limiter(tag).Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle %s: %w", tag, err)
	}

	method := strings.TrimSpace(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("throttle %s: %w", tag, err)
	}
	req.Header.Set("User-Agent", "solstice-marketplace")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("throttle %s: %w", tag, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("throttle %s: reading response: %w", tag, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

func (c *Client) limiter(tag string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[tag]
	if !ok {
		lim = rate.NewLimiter(c.rps, c.burst)
		c.limiters[tag] = lim
	}
	return lim
}
