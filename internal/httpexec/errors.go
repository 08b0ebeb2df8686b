// ABOUTME: Error kinds returned by the HTTP executor
// ABOUTME: Each *Error matches exactly one sentinel through errors.Is

package httpexec

import "errors"

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidMethod  = errors.New("invalid http method")
	ErrInvalidHeaders = errors.New("invalid headers")
	ErrTemplate       = errors.New("template rendering failed")
	ErrTimeout        = errors.New("request timed out")
	ErrRequestFailed  = errors.New("request failed")
	ErrResponseBody   = errors.New("response body read failed")
)

// Error carries the kind of failure plus the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
