package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the http.request tool.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPRequestTool implements the "http.request" tool.
type HTTPRequestTool struct {
	config HTTPConfig
}

// NewHTTPRequestTool creates the http.request tool.
func NewHTTPRequestTool(cfg HTTPConfig) *HTTPRequestTool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequestTool{config: cfg}
}

func (t *HTTPRequestTool) Name() string { return "http.request" }

func (t *HTTPRequestTool) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an HTTP request and return status, headers and body",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"method":               map[string]any{"type": "string", "default": "GET"},
				"url":                  map[string]any{"type": "string"},
				"headers":              map[string]any{"type": "object"},
				"body":                 map[string]any{},
				"timeout":              map[string]any{"type": "string"},
				"fail_on_error_status": map[string]any{"type": "boolean", "default": false},
			},
		},
	}
}

func (t *HTTPRequestTool) Validate(input map[string]any) error {
	rawURL := stringParam(input, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (t *HTTPRequestTool) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))

	timeout := t.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		if s, isString := raw.(string); isString {
			body = strings.NewReader(s)
		} else {
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON-serializable").WithCause(err)
			}
			body = strings.NewReader(string(b))
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, stringParam(params, "url", ""), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := t.config.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(contentType, "application/json") {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				parsed = decoded
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
		"content_type": contentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return &ActionOutput{Data: result}, nil
}
