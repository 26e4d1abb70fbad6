package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/retry"
	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPRequestType is the step type of HTTPRequestHandler.
const HTTPRequestType = "http_request"

// HTTPConfig configures the HTTP request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the HTTP client; nil builds one from http.DefaultTransport.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

var httpMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// --- JSON Schemas ---

const httpRequestConfigSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "default": "GET"},
    "headers": {"type": "object"},
    "body": {},
    "timeout": {"type": ["string", "number"]},
    "retry": {
      "type": "object",
      "properties": {
        "attempts": {"type": ["integer", "string"]},
        "backoff": {"type": "string", "enum": ["exponential", "linear", "constant"]},
        "delay": {"type": ["string", "number"]},
        "max_delay": {"type": ["string", "number"]}
      }
    },
    "fail_on_status": {"type": ["boolean", "string"], "default": true}
  }
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status": {"type": "integer"},
    "statusText": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "attempts": {"type": "integer"},
    "totalDelay": {"type": "integer"},
    "delays": {"type": "array", "items": {"type": "integer"}}
  }
}`

// HTTPRequestHandler implements the "http_request" step type.
type HTTPRequestHandler struct {
	config    HTTPConfig
	validator ConfigValidator
	client    *http.Client
	clock     Clock
}

// NewHTTPRequestHandler creates a new http_request handler.
func NewHTTPRequestHandler(cfg HTTPConfig, v ConfigValidator) *HTTPRequestHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPRequestHandler{config: cfg, validator: v, client: client}
}

func (h *HTTPRequestHandler) Type() string { return HTTPRequestType }

func (h *HTTPRequestHandler) Schema() ConfigSchema {
	return ConfigSchema{
		Description:  "Call an HTTP endpoint with optional retry and backoff for transient failures.",
		ConfigSchema: json.RawMessage(httpRequestConfigSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

// httpResponse is what one attempt observed.
type httpResponse struct {
	status     int
	statusText string
	headers    map[string]any
	body       any
}

// statusError marks a response whose status is worth retrying (5xx, 429).
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d", e.status)
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult {
	r := begin(step, h.clock)

	config, ferr := prepare(step, ec, h.validator, httpRequestConfigSchema)
	if ferr != nil {
		return r.failed(ferr, nil)
	}

	rawURL := stringParam(config, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return r.invalid("http_request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(config, "method", http.MethodGet))
	if !httpMethods[method] {
		return r.invalid("http_request: unsupported method %q", method)
	}

	timeout := h.config.DefaultTimeout
	if _, ok := config["timeout"]; ok {
		d, err := parseTimeout(config["timeout"])
		if err != nil {
			return r.invalid("http_request: %s", err)
		}
		timeout = d
	}

	policy, err := retry.ParsePolicy(config["retry"])
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return r.failed(fe, nil)
		}
		return r.invalid("http_request: %s", err)
	}

	body, contentType, err := encodeBody(config["body"])
	if err != nil {
		return r.invalid("http_request: %s", err)
	}
	headers := mapParam(config, "headers")
	failOnStatus := boolParam(config, "fail_on_status", true)

	attempt := func(ctx context.Context, _ int) (*httpResponse, error) {
		return h.do(ctx, method, rawURL, headers, body, contentType, timeout)
	}
	resp, outcome, err := retry.Do(ctx, policy, attempt, retryableHTTP)

	data := map[string]any{
		"attempts":   outcome.Attempts,
		"totalDelay": outcome.TotalDelay.Milliseconds(),
		"delays":     outcome.DelaysMillis(),
	}
	if resp != nil {
		data["status"] = resp.status
		data["statusText"] = resp.statusText
		data["headers"] = resp.headers
		data["body"] = resp.body
	}

	if resp == nil {
		return r.failed(schema.NewErrorf(schema.ErrCodeTransientNetwork,
			"http_request: %s %s failed after %d attempt(s): %v", method, rawURL, outcome.Attempts, err).
			WithCause(err).
			WithDetails(map[string]any{"attempts": outcome.Attempts, "totalDelay": outcome.TotalDelay.Milliseconds()}), data)
	}

	if failOnStatus && (resp.status < 200 || resp.status > 299) {
		return r.failed(schema.NewErrorf(schema.ErrCodeHTTPStatus,
			"http_request: %s %s returned %d", method, rawURL, resp.status).
			WithDetails(map[string]any{"status": resp.status, "body": resp.body, "attempts": outcome.Attempts}), data)
	}

	return r.completed(data)
}

// do performs a single attempt. A transport failure is a TRANSIENT_NETWORK_ERROR
// unless the run itself was cancelled; 5xx and 429 responses come back with a
// statusError so the retry loop can try again.
func (h *HTTPRequestHandler) do(ctx context.Context, method, rawURL string, headers map[string]any, body []byte, contentType string, timeout time.Duration) (*httpResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransientNetwork, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransientNetwork, "read response body: %v", err).WithCause(err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := &httpResponse{
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		headers:    respHeaders,
		body:       parseBody(bodyBytes, resp.Header.Get("Content-Type")),
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return out, &statusError{status: resp.StatusCode}
	}
	return out, nil
}

func retryableHTTP(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return true
	}
	return retry.IsRetryable(err)
}

// encodeBody sends strings as-is and everything else as JSON.
func encodeBody(raw any) ([]byte, string, error) {
	switch b := raw.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body as JSON: %w", err)
		}
		return data, "application/json", nil
	}
}

func parseBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

// parseTimeout accepts a Go duration string or milliseconds.
func parseTimeout(v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q", x)
		}
		d = parsed
	case float64:
		d = time.Duration(x * float64(time.Millisecond))
	case int:
		d = time.Duration(x) * time.Millisecond
	default:
		return 0, fmt.Errorf("timeout must be a duration string or milliseconds")
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	return d, nil
}
