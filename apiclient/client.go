// Package apiclient invokes the department-users API over HTTP. It performs
// no retries and no authentication; callers needing either supply their own
// http.Client (Transport) or static headers.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxBody   = 16 << 20
	statusBodyPrefix = 512
)

type Config struct {
	// BaseURL is the site address API paths are resolved against, e.g.
	// "https://intranet.contoso.com/". A missing trailing slash is added.
	BaseURL string
	// HTTPClient nil => a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration // 0 => 30s; ignored when HTTPClient is set
	// Header is sent with every request.
	Header http.Header
	// MaxBody caps response size; 0 => 16 MiB.
	MaxBody int64
}

// Client implements deptusers.Invoker.
type Client struct {
	base    string
	hc      *http.Client
	header  http.Header
	maxBody int64
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, goerr.New("base URL is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, goerr.New("base URL must be http or https", goerr.V("baseURL", cfg.BaseURL))
	}

	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/") + "/",
		hc:      cfg.HTTPClient,
		header:  cfg.Header.Clone(),
		maxBody: cfg.MaxBody,
	}
	if c.hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.hc = &http.Client{Timeout: timeout}
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}
	return c, nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post sends body encoded as JSON.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode request body", goerr.V("path", path))
	}
	return c.do(ctx, http.MethodPost, path, b)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+strings.TrimLeft(path, "/"), rd)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request",
			goerr.V("method", method),
			goerr.V("path", path))
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to execute request",
			goerr.V("method", method),
			goerr.V("path", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read response",
			goerr.V("method", method),
			goerr.V("path", path))
	}
	if int64(len(data)) > c.maxBody {
		return nil, goerr.New("response too large",
			goerr.V("method", method),
			goerr.V("path", path),
			goerr.V("limit", c.maxBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		if len(data) > statusBodyPrefix {
			data = data[:statusBodyPrefix]
		}
		se.Body = string(data)
		return nil, se
	}
	return data, nil
}

// StatusError reports a non-2xx response. Body holds at most the first 512
// bytes of the response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}
