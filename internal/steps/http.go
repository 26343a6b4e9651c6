package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/artgen/pkg/schema"
)

// HTTPConfig configures the http step kind.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 32 * 1024 * 1024
	defaultHTTPTimeout     = 2 * time.Minute
)

// NewHTTPStep returns the "http" kind, which calls a provider endpoint.
//
// Config keys: url (required), method, headers, body, body_encoding
// (json, form or text), auth {type: bearer|basic|api_key, token,
// token_env, username, password, header_name}, timeout, cost_usd,
// candidates_field and save_as. With variations and no candidates_field
// the request is repeated once per variation.
func NewHTTPStep(cfg HTTPConfig) StepExecutor {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &httpStep{cfg: cfg}
}

type httpStep struct {
	cfg HTTPConfig
}

func (s *httpStep) Kind() string { return "http" }

func (s *httpStep) Description() string {
	return "Call an HTTP endpoint and return its decoded response"
}

// ValidateConfig checks the url. Templated urls are only checked for
// presence since they render at run time.
func (s *httpStep) ValidateConfig(config map[string]any) error {
	raw := stringParam(config, "url", "")
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "http requires 'url'")
	}
	if strings.Contains(raw, "{") {
		return nil
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", raw)
	}
	switch enc := stringParam(config, "body_encoding", "json"); enc {
	case "json", "form", "text":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "http: unknown body_encoding %q", enc)
	}
	return nil
}

func (s *httpStep) Execute(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	if err := s.ValidateConfig(config); err != nil {
		return nil, err
	}
	start := time.Now()
	cost := floatParam(config, "cost_usd", 0)
	field := stringParam(config, "candidates_field", "")

	calls := 1
	if n := Variations(config); n > 1 && field == "" {
		calls = n
	}

	res := &StepResult{Success: true}
	for i := 0; i < calls; i++ {
		out, err := s.call(ctx, config, ec, i)
		if err != nil {
			return nil, err
		}
		res.CostUSD += cost
		if p, ok := out["path"].(string); ok {
			res.OutputFiles = append(res.OutputFiles, p)
		}
		if calls > 1 {
			res.Candidates = append(res.Candidates, out)
			continue
		}
		res.Output = out
		if field != "" {
			if body, ok := out["body"].(map[string]any); ok {
				res.Candidates = toList(body[field])
			}
		}
	}
	if calls > 1 {
		res.Output = map[string]any{"candidates": res.Candidates}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

func (s *httpStep) call(ctx context.Context, config map[string]any, ec ExecContext, variation int) (map[string]any, error) {
	req, err := s.buildRequest(ctx, config)
	if err != nil {
		return nil, err
	}
	timeout := durationParam(config, "timeout", s.cfg.DefaultTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.cfg.Client.Do(req.WithContext(reqCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "http: request cancelled").WithCause(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http: no response within %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "http: read response body").WithCause(err)
	}
	if err := statusError(resp, body); err != nil {
		return nil, err
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}
	if name := stringParam(config, "save_as", ""); name != "" {
		path, err := saveBody(ec, name, variation, body)
		if err != nil {
			return nil, err
		}
		out["path"] = path
		return out, nil
	}
	out["body"] = decodeBody(body)
	return out, nil
}

func (s *httpStep) buildRequest(ctx context.Context, config map[string]any) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	raw, hasBody := config["body"]
	if hasBody && raw != nil {
		switch stringParam(config, "body_encoding", "json") {
		case "form":
			vals := url.Values{}
			if m, ok := raw.(map[string]any); ok {
				for k, v := range m {
					vals.Set(k, fmt.Sprint(v))
				}
			}
			body = strings.NewReader(vals.Encode())
			contentType = "application/x-www-form-urlencoded"
		case "text":
			body = strings.NewReader(fmt.Sprint(raw))
			contentType = "text/plain"
		default:
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeConfiguration, "http: body is not JSON encodable").WithCause(err)
			}
			body = bytes.NewReader(b)
			contentType = "application/json"
		}
	}

	method := "GET"
	if body != nil {
		method = "POST"
	}
	method = strings.ToUpper(stringParam(config, "method", method))

	req, err := http.NewRequestWithContext(ctx, method, stringParam(config, "url", ""), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "http: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(config, "headers") {
		req.Header.Set(k, v)
	}
	if auth, ok := config["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}
	return req, nil
}

// applyAuth sets credentials. token_env names an environment variable
// holding the secret so it never appears in the pipeline file.
func applyAuth(req *http.Request, auth map[string]any) {
	token := stringParam(auth, "token", "")
	if env := stringParam(auth, "token_env", ""); env != "" {
		token = os.Getenv(env)
	}
	switch stringParam(auth, "type", "bearer") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", token))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, token)
		}
	}
}

// statusError maps error statuses onto the engine's codes: 429 is rate
// limiting, 5xx a retryable provider failure and other 4xx a request the
// provider will never accept.
func statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode < 400 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	details := map[string]any{"status_code": resp.StatusCode, "body": snippet}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return schema.NewErrorf(schema.ErrCodeRateLimited, "http: provider rate limited (%s)", resp.Status).WithDetails(details)
	case resp.StatusCode >= 500:
		return schema.NewErrorf(schema.ErrCodeProvider, "http: provider error %s", resp.Status).WithDetails(details)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "http: request rejected %s", resp.Status).WithDetails(details)
	}
}

// saveBody writes a response under <state dir>/<step id>/. The name may
// use {asset} and {variation}.
func saveBody(ec ExecContext, name string, variation int, body []byte) (string, error) {
	asset := "global"
	if ec.Asset != nil {
		asset = ec.Asset.ID()
	}
	name = strings.NewReplacer("{asset}", asset, "{variation}", fmt.Sprint(variation)).Replace(name)

	dir := filepath.Join(ec.StateDir, ec.StepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "http: create output dir").WithCause(err)
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "http: write response").WithCause(err)
	}
	return path, nil
}
