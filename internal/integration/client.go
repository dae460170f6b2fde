package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
)

// ClientConfig configures the integration HTTP client.
type ClientConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// Client calls external validation services for integration steps. The step's
// accumulated data is POSTed as JSON; a JSON object response is merged back
// into the execution's data.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates an integration Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
}

// Call invokes the configured endpoint with the payload and returns the
// decoded response object. Non-2xx statuses and undecodable responses are
// EXTERNAL_SERVICE_FAILURE; 4xx responses are additionally marked
// non-retryable via a VALIDATION_FAILED code when the service reports a
// validation verdict.
func (c *Client) Call(ctx context.Context, cfg *schema.IntegrationConfig, payload map[string]any) (map[string]any, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "integration has no url configured")
	}
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid integration url %q", cfg.URL)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := c.cfg.DefaultTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if method != http.MethodGet {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"marshal integration payload: %s", err.Error()).WithCause(err)
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService,
			"create integration request: %s", err.Error()).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		code := schema.ErrCodeExternalService
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "integration call %s %s: %s", method, cfg.URL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService,
			"read integration response: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeExternalService
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code, "integration service returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"url":         cfg.URL,
				"body":        truncate(string(bodyBytes), 512),
			})
	}

	if len(bodyBytes) == 0 {
		return nil, nil
	}

	var result map[string]any
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService,
			"integration response is not a JSON object: %s", err.Error()).WithCause(err)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
