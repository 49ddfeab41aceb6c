package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"geminigate-go/internal/config"

	"github.com/tidwall/gjson"
)

const errorBodySnippet = 2048

// StatusError is a non-2xx reply from the upstream backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// IsForbidden reports whether err is an upstream 403.
func IsForbidden(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == http.StatusForbidden
}

// Client talks to the streaming backend.
type Client struct {
	cfg  *config.APIConfig
	http *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient builds an upstream client. Streaming responses can run for
// minutes, so the client itself carries no overall timeout; cancellation
// comes from the request context.
func NewClient(cfg *config.APIConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream posts the request envelope and returns the chunked response body.
// The caller owns the returned ReadCloser.
func (c *Client) Stream(ctx context.Context, payload []byte, bearer string) (io.ReadCloser, error) {
	url := c.cfg.URL
	if !strings.Contains(url, "alt=sse") {
		if strings.Contains(url, "?") {
			url += "&alt=sse"
		} else {
			url += "?alt=sse"
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// Models fetches the upstream model catalog and returns the model ids.
func (c *Client) Models(ctx context.Context, bearer string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ModelsURL, strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}

	var ids []string
	gjson.GetBytes(body, "models").ForEach(func(key, _ gjson.Result) bool {
		ids = append(ids, key.String())
		return true
	})
	return ids, nil
}

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Host != "" {
		req.Host = c.cfg.Host
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippet))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
