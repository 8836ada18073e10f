// Package api is a client for the connection control API of the gateway
// service. Responses are wrapped in a {success, data} envelope which the
// client unwraps; failures are reported as *Error.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.aluvia.io/v1"

const (
	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds the response bodies read from the API (4 MB).
	maxResponseSize = 4 << 20
)

// Config configures a Client.
type Config struct {
	// APIKey is sent as a bearer token. Required.
	APIKey string

	// BaseURL is the API root. Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient performs the requests. If nil, a client with a 30s timeout
	// and transparent response decompression is used.
	HTTPClient *http.Client

	// UserAgent is sent with every request when set.
	UserAgent string

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Client talks to the control API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. It returns ErrMissingAPIKey when no key is set.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: invalid base URL %q", base)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   defaultTimeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		userAgent:  cfg.UserAgent,
		httpClient: hc,
		logger:     logger,
	}, nil
}

// envelope is the response wrapper used by every endpoint.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

// result is an unwrapped 2xx or 304 response.
type result struct {
	data        json.RawMessage
	etag        string
	notModified bool
}

// do performs one API call. body, if non-nil, is JSON encoded. etag, if set,
// is sent as If-None-Match and a 304 answer yields notModified.
func (c *Client) do(ctx context.Context, method, path string, body any, etag string) (*result, error) {
	target := c.baseURL + path

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("api: read %s %s: %w", method, path, err)
	}
	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode)

	respETag := resp.Header.Get("ETag")
	if resp.StatusCode == http.StatusNotModified {
		if respETag == "" {
			respETag = etag
		}
		return &result{etag: respETag, notModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(resp.StatusCode, raw)
	}

	res := &result{etag: respETag}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	res.data = env.Data
	return res, nil
}

// decodeData unmarshals envelope data into v. Missing or null data leaves v
// untouched and reports false.
func decodeData(data json.RawMessage, v any) (bool, error) {
	if len(data) == 0 || string(data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("api: decode data: %w", err)
	}
	return true, nil
}

// decodeList unmarshals a list; any non-array data yields an empty list.
func decodeList[T any](data json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("api: decode list: %w", err)
	}
	return out, nil
}
