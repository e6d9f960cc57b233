// Package api implements the REST collaborators of the sync engine: the
// remote message repository and the conversation directory.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wizzle/wizzled/internal/apperr"
	"go.uber.org/zap"
)

// TokenProvider returns the current bearer access token, empty when there is
// no authenticated session. The engine reads tokens but never refreshes them.
type TokenProvider func() string

// DefaultTimeout bounds a single request when no WithTimeout option is given.
const DefaultTimeout = 30 * time.Second

// Client is a thin JSON HTTP client for the chat backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   TokenProvider
	logger  *zap.Logger
}

// Option adjusts client construction.
type Option func(*Client)

// WithTimeout sets the per-request timeout. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string, token TokenProvider, logger *zap.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
		token:   token,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// get performs a GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// post performs a POST with a JSON body and decodes the response into out
// (out may be nil for empty responses).
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// del performs a DELETE, discarding any response body.
func (c *Client) del(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request body: %v", apperr.ErrUnknown, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), reqBody)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", apperr.ErrUnknown, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return apperr.ErrNotFound
	default:
		return apperr.Network("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn("response decode failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
		return apperr.ErrDecoding
	}
	return nil
}
