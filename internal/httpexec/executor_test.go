// ABOUTME: Tests for template rendering, request execution and curl generation
// ABOUTME: Uses httptest servers as the downstream API

package httpexec

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_GetWithSubstitution(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write([]byte(`{"temp":21}`))
	}))
	defer srv.Close()

	exec := New(Options{})
	res, err := exec.Execute(context.Background(), Tool{
		Name:    "weather",
		Method:  "get",
		URL:     srv.URL + "/cities/{{city}}?limit={{integer:limit}}",
		Headers: `{"X-Api-Key":"{{api_key}}"}`,
	}, map[string]any{"city": "paris", "limit": int64(3), "api_key": "k-123"})
	require.NoError(t, err)

	assert.Equal(t, "/cities/paris", gotPath)
	assert.Equal(t, "limit=3", gotQuery)
	assert.Equal(t, "k-123", gotKey)
	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, `{"temp":21}`, res.Body)
	assert.Equal(t, "yes", res.Headers["X-Upstream"])
	assert.Equal(t, "GET", res.Method)
}

func TestExecute_PostBodyDefaultsContentType(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res, err := New(Options{}).Execute(context.Background(), Tool{
		Method: "POST",
		URL:    srv.URL,
		Body:   `{"name":"{{name}}","count":{{integer:count}}}`,
	}, map[string]any{"name": "widget", "count": int64(5)})
	require.NoError(t, err)

	assert.Equal(t, `{"name":"widget","count":5}`, gotBody)
	assert.Equal(t, "application/json", gotType)
	assert.True(t, res.IsSuccess)
}

func TestExecute_ExplicitContentTypeKept(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	_, err := New(Options{}).Execute(context.Background(), Tool{
		Method:  "PUT",
		URL:     srv.URL,
		Headers: `{"content-type":"text/plain"}`,
		Body:    "hello",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", gotType)
}

func TestExecute_GetIgnoresBody(t *testing.T) {
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
	}))
	defer srv.Close()

	_, err := New(Options{}).Execute(context.Background(), Tool{
		Method: "GET",
		URL:    srv.URL,
		Body:   `{"ignored":true}`,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gotLen)
}

func TestExecute_NonSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer srv.Close()

	res, err := New(Options{}).Execute(context.Background(), Tool{Method: "GET", URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.False(t, res.IsSuccess)
	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, "missing", res.Body)
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Options{}).Execute(context.Background(), Tool{
		Method:  "GET",
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRequestFailed)
}

func TestExecute_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(Options{}).Execute(context.Background(), Tool{Method: "GET", URL: addr}, nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestExecute_ResponseTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	res, err := New(Options{MaxResponseBytes: 10}).Execute(context.Background(), Tool{Method: "GET", URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Body, 10)
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
		want error
	}{
		{name: "empty url", tool: Tool{Method: "GET", URL: "   "}, want: ErrInvalidURL},
		{name: "bad scheme", tool: Tool{Method: "GET", URL: "ftp://example.com"}, want: ErrInvalidURL},
		{name: "no host", tool: Tool{Method: "GET", URL: "https://"}, want: ErrInvalidURL},
		{name: "bad method", tool: Tool{Method: "FETCH", URL: "https://example.com"}, want: ErrInvalidMethod},
		{name: "malformed headers", tool: Tool{Method: "GET", URL: "https://example.com", Headers: `{"a":`}, want: ErrInvalidHeaders},
		{name: "headers not object", tool: Tool{Method: "GET", URL: "https://example.com", Headers: `["a"]`}, want: ErrInvalidHeaders},
		{name: "bad header name", tool: Tool{Method: "GET", URL: "https://example.com", Headers: `{"bad header":"x"}`}, want: ErrInvalidHeaders},
		{name: "unresolved url placeholder", tool: Tool{Method: "GET", URL: "https://example.com/{{id}}"}, want: ErrTemplate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := render(tt.tool, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var execErr *Error
			require.True(t, errors.As(err, &execErr))
			assert.Equal(t, tt.want, execErr.Kind)
		})
	}
}

func TestRender_NonStringHeaderValues(t *testing.T) {
	req, err := render(Tool{
		Method:  "GET",
		URL:     "https://example.com",
		Headers: `{"X-Retries":3,"X-Debug":true}`,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", req.headers["X-Retries"])
	assert.Equal(t, "true", req.headers["X-Debug"])
}

func TestCurlCommand(t *testing.T) {
	got := CurlCommand("post", "https://example.com/x", map[string]string{
		"X-B": "two",
		"X-A": "one",
	}, `{"msg":"it's"}`)

	want := "curl -X POST \\\n" +
		"  -H 'X-A: one' \\\n" +
		"  -H 'X-B: two' \\\n" +
		"  -d '{\"msg\":\"it'\\''s\"}' \\\n" +
		"  'https://example.com/x'"
	assert.Equal(t, want, got)
}

func TestCurlCommand_NoHeadersNoBody(t *testing.T) {
	got := CurlCommand("GET", "https://example.com", nil, "")
	if got != "curl -X GET \\\n  'https://example.com'" {
		t.Errorf("unexpected curl command: %q", got)
	}
}
