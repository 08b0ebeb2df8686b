// ABOUTME: Context helpers carrying the transport name of the current call
// ABOUTME: The transport ends up in the execution audit row

package invoke

import "context"

// Transport names recorded on executions.
const (
	TransportHTTP      = "http"
	TransportSSE       = "sse"
	TransportSubdomain = "subdomain"
)

type transportKey struct{}

// WithTransport tags ctx with the transport a call arrived on.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// TransportFrom returns the transport tag, defaulting to http.
func TransportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok && t != "" {
		return t
	}
	return TransportHTTP
}
