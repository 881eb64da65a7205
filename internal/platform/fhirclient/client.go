// Package fhirclient issues read-only FHIR REST requests on behalf of the
// population pipeline: resource reads, searches and ValueSet expansions.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxBodyBytes bounds how much of a response body is decoded.
const maxBodyBytes = 32 << 20

// RequestConfig carries per-call request settings. BaseURL is joined with
// relative queries; Headers are added to the request.
type RequestConfig struct {
	BaseURL string
	Headers map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.headers[key] = value }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Client performs GET requests against FHIR and terminology servers.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	logger     zerolog.Logger
}

// New creates a Client with a 30 second timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		headers:    map[string]string{},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch resolves query against cfg.BaseURL and returns the decoded JSON body.
// A non-2xx response whose body is an OperationOutcome is returned as a value
// so the caller can report its issues; any other non-2xx response is an error.
func (c *Client) Fetch(ctx context.Context, query string, cfg RequestConfig) (interface{}, error) {
	target, err := ResolveURL(cfg.BaseURL, query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", target, err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("fhir fetch")

	var body interface{}
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return nil, fmt.Errorf("GET %s: decode body: %w", target, decodeErr)
		}
		return body, nil
	}

	if decodeErr == nil && isOperationOutcome(body) {
		return body, nil
	}
	return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
}

// ResolveURL joins a relative query to base. Absolute http(s) queries are
// returned unchanged.
func ResolveURL(base, query string) (string, error) {
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		return query, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative query %q requires a base url", query)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(query, "/"), nil
}

func isOperationOutcome(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	rt, _ := m["resourceType"].(string)
	return rt == "OperationOutcome"
}
