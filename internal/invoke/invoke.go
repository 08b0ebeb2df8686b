// ABOUTME: Instance executor tying parameter resolution, HTTP execution and auditing together
// ABOUTME: Maps downstream outcomes to tool results; only validation problems become errors

package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/audit"
	"github.com/2389/relay-gateway/internal/httpexec"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/params"
	"github.com/2389/relay-gateway/internal/store"
)

// ErrInvalidParams is returned when the call cannot be attempted because of its arguments
// or the tool template. The dispatcher maps it to JSON-RPC -32602.
var ErrInvalidParams = params.ErrInvalidParams

const auditTimeout = 5 * time.Second

// Binding is everything needed to invoke one tool instance.
type Binding struct {
	TenantID   int64
	InstanceID int64
	ToolID     int64
	Name       string
	Tool       httpexec.Tool
	Plan       params.Plan
}

// Result is the tool-call payload returned to the agent.
type Result struct {
	Text    string
	IsError bool
}

// Resolver computes parameters for a call.
type Resolver interface {
	Resolve(ctx context.Context, plan params.Plan, args map[string]any) (map[string]any, error)
}

// HTTPExecutor performs the rendered request.
type HTTPExecutor interface {
	Execute(ctx context.Context, tool httpexec.Tool, params map[string]any) (*httpexec.Result, error)
}

// Executor runs tool calls. It holds no per-call state and is safe for concurrent use.
type Executor struct {
	resolver Resolver
	http     HTTPExecutor
	sink     audit.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewExecutor creates an Executor. sink and m may be nil.
func NewExecutor(resolver Resolver, http HTTPExecutor, sink audit.Sink, m *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		resolver: resolver,
		http:     http,
		sink:     sink,
		metrics:  m,
		logger:   logger.With("component", "invoke"),
	}
}

// Invoke resolves parameters, performs the request and records the attempt.
func (e *Executor) Invoke(ctx context.Context, b *Binding, args map[string]any) (*Result, error) {
	started := time.Now().UTC()

	rec := &store.Execution{
		ID:            uuid.New().String(),
		TenantID:      b.TenantID,
		InstanceID:    b.InstanceID,
		ToolID:        b.ToolID,
		StartedAt:     started,
		InputParams:   args,
		RequestMethod: b.Tool.Method,
		Transport:     TransportFrom(ctx),
	}

	result, err := e.run(ctx, b, args, rec)

	rec.CompletedAt = time.Now().UTC()
	rec.DurationMS = rec.CompletedAt.Sub(started).Milliseconds()
	e.record(ctx, rec)

	outcome := string(rec.Status)
	if errors.Is(err, ErrInvalidParams) {
		outcome = "invalid"
	}
	e.metrics.ObserveToolCall(outcome, rec.CompletedAt.Sub(started))

	return result, err
}

func (e *Executor) run(ctx context.Context, b *Binding, args map[string]any, rec *store.Execution) (*Result, error) {
	resolved, err := e.resolver.Resolve(ctx, b.Plan, args)
	if err != nil {
		rec.Status = store.ExecutionError
		rec.ErrorMessage = err.Error()
		if errors.Is(err, ErrInvalidParams) {
			return nil, fmt.Errorf("resolving parameters for %s: %w", b.Name, err)
		}
		e.logger.Error("parameter resolution failed", "tool", b.Name, "tenant_id", b.TenantID, "error", err)
		return nil, fmt.Errorf("resolving parameters for %s: %w", b.Name, err)
	}

	res, err := e.http.Execute(ctx, b.Tool, resolved)
	if err != nil {
		rec.ErrorMessage = err.Error()
		switch {
		case errors.Is(err, httpexec.ErrTimeout):
			rec.Status = store.ExecutionTimeout
			return &Result{Text: err.Error(), IsError: true}, nil
		case errors.Is(err, httpexec.ErrRequestFailed), errors.Is(err, httpexec.ErrResponseBody):
			rec.Status = store.ExecutionError
			return &Result{Text: err.Error(), IsError: true}, nil
		default:
			rec.Status = store.ExecutionError
			return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
	}

	rec.HTTPStatus = res.StatusCode
	rec.RequestURL = res.URL
	rec.RequestMethod = res.Method
	rec.ResponseSizeBytes = int64(len(res.Body))
	rec.ResponseBody = audit.Truncate(res.Body, audit.MaxResponseBytes)

	if res.IsSuccess {
		rec.Status = store.ExecutionSuccess
		return &Result{Text: res.Body}, nil
	}

	text := fmt.Sprintf("HTTP %d - %s", res.StatusCode, res.Body)
	rec.Status = store.ExecutionError
	rec.ErrorMessage = audit.Truncate(text, audit.MaxResponseBytes)
	return &Result{Text: text, IsError: true}, nil
}

// record writes the execution, detached from request cancellation. Failures are logged only.
func (e *Executor) record(ctx context.Context, rec *store.Execution) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if err := e.sink.Record(ctx, rec); err != nil {
		e.logger.Warn("failed to record execution",
			"execution_id", rec.ID,
			"instance_id", rec.InstanceID,
			"error", err,
		)
	}
}
