// Package httpexec renders a tool's request templates and performs the HTTP call.
//
// The executor substitutes resolved parameters into the URL, header and body
// templates, validates the result, applies the tool's timeout and returns the
// raw response together with an equivalent curl command for debugging.
//
// Every failure is an *Error whose Kind is one of the package sentinels, so
// callers branch with errors.Is:
//
//	res, err := exec.Execute(ctx, tool, params)
//	switch {
//	case errors.Is(err, httpexec.ErrTimeout):
//	    // upstream too slow
//	case errors.Is(err, httpexec.ErrInvalidURL):
//	    // template rendered an unusable URL
//	}
//
// Non-2xx responses are not errors. They come back as a Result with
// IsSuccess false.
package httpexec
