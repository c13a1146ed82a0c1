// Package sbhttp wraps net/http with the request shaping the update and
// lookup engines need: a User-Agent, a per-call X-Request-Id for log
// correlation, and a size-limited response body read so a misbehaving or
// malicious server can't exhaust memory with an unbounded reply.
//
// Grounded on AdGuardDNS's internal/agdhttp.Client.
package sbhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// MaxResponseBody is the largest response body Client.Do will read before
// giving up, regardless of what the server claims via Content-Length.
const MaxResponseBody = 32 * 1024 * 1024

// Config configures a Client.
type Config struct {
	// HTTPClient is the underlying client used to perform requests. If
	// nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// UserAgent is sent on every request.
	UserAgent string
}

// Client performs the HTTP requests the update and lookup engines need,
// carrying a few headers and bounds the teacher's equivalent also applies.
type Client struct {
	http      *http.Client
	userAgent string
}

// New returns a new Client built from cfg.
func New(cfg *Config) (c *Client) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{http: httpClient, userAgent: cfg.UserAgent}
}

// Get performs a GET request against url and returns the response body,
// capped at MaxResponseBody.
func (c *Client) Get(ctx context.Context, url string) (body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return c.do(req)
}

// Post performs a POST request against url with the given content type and
// body, and returns the response body, capped at MaxResponseBody.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (respBody []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	return c.do(req)
}

func (c *Client) do(req *http.Request) (body []byte, err error) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, req.URL)
	}

	limited := io.LimitReader(resp.Body, MaxResponseBody+1)
	body, err = io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if len(body) > MaxResponseBody {
		return nil, fmt.Errorf("response body from %s exceeds %d bytes", req.URL, MaxResponseBody)
	}

	return body, nil
}
