// ABOUTME: Renders tool request templates and performs the outbound HTTP call
// ABOUTME: Produces status, body, headers and a curl command for every response

package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/2389/relay-gateway/internal/variables"
)

// DefaultTimeout applies when a tool has no timeout of its own.
const DefaultTimeout = 30 * time.Second

// DefaultMaxResponseBytes caps how much of a response body is read.
const DefaultMaxResponseBytes = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Tool is the request template the executor renders.
type Tool struct {
	Name    string
	Method  string
	URL     string
	Headers string // JSON object whose string values may contain placeholders
	Body    string
	Timeout time.Duration
}

// Result is the outcome of a completed HTTP exchange, whatever its status code.
type Result struct {
	StatusCode  int
	Body        string
	Headers     map[string]string
	IsSuccess   bool
	Truncated   bool
	CurlCommand string
	URL         string
	Method      string
}

// Options configures an Executor.
type Options struct {
	Client           *http.Client
	DefaultTimeout   time.Duration
	MaxResponseBytes int64
	Logger           *slog.Logger
}

// Executor performs tool requests. It is safe for concurrent use.
type Executor struct {
	client         *http.Client
	defaultTimeout time.Duration
	maxBody        int64
	logger         *slog.Logger
}

// New creates an Executor, filling unset options with defaults.
func New(opts Options) *Executor {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		client:         opts.Client,
		defaultTimeout: opts.DefaultTimeout,
		maxBody:        opts.MaxResponseBytes,
		logger:         opts.Logger.With("component", "httpexec"),
	}
}

// request is a fully rendered, validated outbound request.
type request struct {
	method  string
	url     string
	headers map[string]string
	body    string
}

// render substitutes params into the tool templates and validates the result
// without sending anything.
func render(tool Tool, params map[string]any) (*request, error) {
	ctx := variables.StringifyAll(params)

	rawURL := strings.TrimSpace(variables.Substitute(tool.URL, ctx))
	if rawURL == "" {
		return nil, newError(ErrInvalidURL, errors.New("url template is required"))
	}
	if variables.HasPlaceholders(rawURL) {
		unresolved := variables.FindVariables(rawURL)
		return nil, newError(ErrTemplate, fmt.Errorf("unresolved placeholder %q in url", unresolved[0].Name))
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, newError(ErrInvalidURL, fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
	if parsed.Host == "" {
		return nil, newError(ErrInvalidURL, errors.New("missing host"))
	}

	method := strings.ToUpper(strings.TrimSpace(tool.Method))
	if !allowedMethods[method] {
		return nil, newError(ErrInvalidMethod, fmt.Errorf("%q", tool.Method))
	}

	headers, err := renderHeaders(tool.Headers, ctx)
	if err != nil {
		return nil, err
	}

	var body string
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		body = variables.Substitute(tool.Body, ctx)
		if strings.TrimSpace(body) != "" && !hasHeader(headers, "Content-Type") {
			headers["Content-Type"] = "application/json"
		}
	}

	return &request{method: method, url: rawURL, headers: headers, body: body}, nil
}

// renderHeaders parses the header template as a JSON object and substitutes each value.
// Parsing before substitution keeps parameter values from breaking the JSON structure.
func renderHeaders(tmpl string, ctx map[string]string) (map[string]string, error) {
	headers := make(map[string]string)
	if strings.TrimSpace(tmpl) == "" {
		return headers, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(tmpl), &raw); err != nil {
		return nil, newError(ErrInvalidHeaders, err)
	}

	for name, v := range raw {
		var value string
		if s, ok := v.(string); ok {
			value = variables.Substitute(s, ctx)
		} else {
			value = variables.Stringify(v)
		}

		if !httpguts.ValidHeaderFieldName(name) {
			return nil, newError(ErrInvalidHeaders, fmt.Errorf("invalid header name %q", name))
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, newError(ErrInvalidHeaders, fmt.Errorf("invalid value for header %q", name))
		}
		headers[name] = value
	}
	return headers, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Execute renders the tool and performs the request under the tool's timeout.
func (e *Executor) Execute(ctx context.Context, tool Tool, params map[string]any) (*Result, error) {
	req, err := render(tool, params)
	if err != nil {
		return nil, err
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.body != "" {
		bodyReader = bytes.NewBufferString(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return nil, newError(ErrInvalidURL, err)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	curl := CurlCommand(req.method, req.url, req.headers, req.body)

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			e.logger.Debug("tool request timed out", "tool", tool.Name, "timeout", timeout)
			return nil, newError(ErrTimeout, fmt.Errorf("after %dms", timeout.Milliseconds()))
		}
		return nil, newError(ErrRequestFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, newError(ErrTimeout, fmt.Errorf("reading body after %dms", timeout.Milliseconds()))
		}
		return nil, newError(ErrResponseBody, err)
	}

	truncated := int64(len(data)) > e.maxBody
	if truncated {
		data = data[:e.maxBody]
		e.logger.Warn("tool response truncated", "tool", tool.Name, "limit_bytes", e.maxBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	e.logger.Debug("tool request completed",
		"tool", tool.Name,
		"method", req.method,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return &Result{
		StatusCode:  resp.StatusCode,
		Body:        string(data),
		Headers:     headers,
		IsSuccess:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		Truncated:   truncated,
		CurlCommand: curl,
		URL:         req.url,
		Method:      req.method,
	}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

// CurlCommand renders an equivalent curl invocation for debugging. Headers are
// emitted in sorted order so the output is stable.
func CurlCommand(method, rawURL string, headers map[string]string, body string) string {
	parts := []string{"curl -X " + strings.ToUpper(method)}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("-H '%s: %s'", k, shellEscape(headers[k])))
	}

	if body != "" {
		parts = append(parts, "-d '"+shellEscape(body)+"'")
	}

	parts = append(parts, "'"+shellEscape(rawURL)+"'")
	return strings.Join(parts, " \\\n  ")
}

func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}
