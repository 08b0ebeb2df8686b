// ABOUTME: Typed casting of raw parameter values to JSON-compatible Go values
// ABOUTME: Also renders typed values back to strings for template substitution

package variables

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrCast is matched by every CastError.
var ErrCast = errors.New("cast failed")

var errNotFinite = errors.New("not finite")

// CastError reports a value that could not be converted to its declared type.
type CastError struct {
	Name  string
	Type  string
	Value string
	Err   error
}

func (e *CastError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("parameter %q: cannot cast %q to %s", e.Name, e.Value, e.Type)
	}
	return fmt.Sprintf("cannot cast %q to %s", e.Value, e.Type)
}

func (e *CastError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCast) match any CastError.
func (e *CastError) Is(target error) bool { return target == ErrCast }

// Cast converts value to the declared type. Unknown types are treated as strings.
func Cast(value, typ string) (any, error) {
	switch typ {
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, &CastError{Type: typ, Value: value, Err: err}
		}
		return n, nil
	case TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, &CastError{Type: typ, Value: value, Err: err}
		}
		if !IsFinite(f) {
			return nil, &CastError{Type: typ, Value: value, Err: errNotFinite}
		}
		return f, nil
	case TypeBoolean, TypeBool:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, &CastError{Type: typ, Value: value}
	case TypeJSON, TypeObject, TypeArray:
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, &CastError{Type: typ, Value: value, Err: err}
		}
		return v, nil
	case TypeURL:
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return nil, &CastError{Type: typ, Value: value}
		}
		return value, nil
	default:
		return value, nil
	}
}

// IsFinite reports whether f can be encoded as a JSON number.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// CastNamed is Cast with the parameter name recorded on failure.
func CastNamed(name, value, typ string) (any, error) {
	v, err := Cast(value, typ)
	if err != nil {
		var ce *CastError
		if errors.As(err, &ce) {
			ce.Name = name
		}
		return nil, err
	}
	return v, nil
}

// Stringify renders a typed value for substitution into a template.
// Strings are inserted bare; everything else uses its JSON encoding.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// StringifyAll converts a resolved parameter map into a substitution context.
func StringifyAll(params map[string]any) map[string]string {
	ctx := make(map[string]string, len(params))
	for k, v := range params {
		ctx[k] = Stringify(v)
	}
	return ctx
}
