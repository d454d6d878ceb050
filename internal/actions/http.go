package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/bizportal/flowd/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// UserAgent is sent on every request when set.
	UserAgent string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second

	// HeaderIdempotencyKey carries the step attempt key to the remote system.
	HeaderIdempotencyKey = "Idempotency-Key"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return defaultVal
	}
	return n
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestAction implements "http.request". The step's mapped input is
// the request body unless params carry an explicit body. Error statuses
// fail the step: 408, 429 and 5xx are retryable, other 4xx are final.
type HTTPRequestAction struct {
	config HTTPConfig
	method string
	name   string
}

// NewHTTPRequestAction creates the http.request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestAction{config: cfg, name: "http.request"}
}

// NewHTTPGetAction creates http.get, a GET-only http.request.
func NewHTTPGetAction(cfg HTTPConfig) *HTTPRequestAction {
	a := NewHTTPRequestAction(cfg)
	a.name, a.method = "http.get", http.MethodGet
	return a
}

// NewHTTPPostAction creates http.post, a POST-only http.request.
func NewHTTPPostAction(cfg HTTPConfig) *HTTPRequestAction {
	a := NewHTTPRequestAction(cfg)
	a.name, a.method = "http.post", http.MethodPost
	return a
}

func (a *HTTPRequestAction) Name() string { return a.name }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Call an external HTTP endpoint with the step input as body.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPRequestAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'url'", a.name)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", a.name, rawURL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	method := a.method
	if method == "" {
		method = strings.ToUpper(stringParam(params, "method", ""))
	}
	body, hasBody := params["body"]
	if !hasBody && input.Input != nil {
		body, hasBody = input.Input, true
	}
	if method == "" {
		method = http.MethodGet
		if hasBody {
			method = http.MethodPost
		}
	}

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if hasBody && body != nil {
		switch stringParam(params, "body_encoding", "json") {
		case "form":
			form, err := cast.ToStringMapStringE(body)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: form body must be an object", a.name).WithCause(err)
			}
			vals := url.Values{}
			for k, v := range form {
				vals.Set(k, v)
			}
			bodyReader = strings.NewReader(vals.Encode())
			contentType = "application/x-www-form-urlencoded"
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", body))
			contentType = "text/plain"
		default:
			b, err := json.Marshal(body)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: body is not JSON-serialisable", a.name).WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, stringParam(params, "url", ""), bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatalAction, "%s: build request: %v", a.name, err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}
	if input.IdempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, input.IdempotencyKey)
	}
	if hdrs, err := cast.ToStringMapStringE(params["headers"]); err == nil {
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}
	applyAuth(req, params["auth"])

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeRetryableAction, "%s: request failed: %v", a.name, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRetryableAction, "%s: read response: %v", a.name, err).WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  elapsed.Milliseconds(),
	}

	if resp.StatusCode >= 400 && boolParam(params, "fail_on_error_status", true) {
		return nil, schema.NewErrorf(statusCode(resp.StatusCode), "%s: %s returned %d", a.name, req.URL.Host, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": parsed})
	}
	return result, nil
}

func statusCode(status int) string {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return schema.ErrCodeRetryableAction
	default:
		return schema.ErrCodeFatalAction
	}
}

func applyAuth(req *http.Request, raw any) {
	auth, err := cast.ToStringMapE(raw)
	if err != nil || len(auth) == 0 {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
