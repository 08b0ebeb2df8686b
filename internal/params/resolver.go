// ABOUTME: Resolves instance, server and exposed parameter sources into typed values
// ABOUTME: Tenant globals are loaded per call so rotated secrets apply without a reload

package params

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/variables"
)

// ErrInvalidParams marks resolution failures caused by the caller or the catalog data.
var ErrInvalidParams = errors.New("invalid params")

// GlobalsSource loads a tenant's globals.
type GlobalsSource interface {
	ListServerGlobals(ctx context.Context, tenantID int64) ([]*store.ServerGlobal, error)
}

// Decrypter opens secret global values.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

// Plan is everything the resolver needs to know about one tool instance.
// It is built once per routing-table build and never mutated.
type Plan struct {
	TenantID int64
	Types    map[string]string // placeholder name to declared type
	Configs  []store.ParamConfig
}

// NewPlan indexes a tool's placeholders against the instance configs.
func NewPlan(tenantID int64, vars []variables.Variable, configs []store.ParamConfig) Plan {
	return Plan{
		TenantID: tenantID,
		Types:    variables.Index(vars),
		Configs:  configs,
	}
}

// Resolver computes effective parameters for a tool call.
type Resolver struct {
	globals GlobalsSource
	cipher  Decrypter
	logger  *slog.Logger
}

// NewResolver creates a Resolver. cipher may be nil when no secrets are stored.
func NewResolver(globals GlobalsSource, cipher Decrypter, logger *slog.Logger) *Resolver {
	return &Resolver{
		globals: globals,
		cipher:  cipher,
		logger:  logger.With("component", "params"),
	}
}

// Resolve returns the typed parameter map for one call.
func (r *Resolver) Resolve(ctx context.Context, plan Plan, args map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(plan.Configs))

	var globals map[string]string
	loadGlobals := func() (map[string]string, error) {
		if globals != nil {
			return globals, nil
		}
		g, err := r.loadGlobals(ctx, plan.TenantID)
		if err != nil {
			return nil, err
		}
		globals = g
		return globals, nil
	}

	for _, cfg := range plan.Configs {
		typ, declared := plan.Types[cfg.Name]
		if !declared {
			continue
		}

		switch cfg.Source {
		case store.ParamSourceInstance:
			if cfg.Value == nil {
				continue
			}
			g, err := loadGlobals()
			if err != nil {
				return nil, err
			}
			v, err := castParam(cfg.Name, variables.Substitute(*cfg.Value, g), typ)
			if err != nil {
				return nil, err
			}
			resolved[cfg.Name] = v

		case store.ParamSourceServer:
			g, err := loadGlobals()
			if err != nil {
				return nil, err
			}
			raw, ok := g[cfg.Name]
			if !ok {
				continue
			}
			v, err := castParam(cfg.Name, raw, typ)
			if err != nil {
				return nil, err
			}
			resolved[cfg.Name] = v

		case store.ParamSourceExposed:
			raw, ok := args[cfg.Name]
			if !ok || raw == nil {
				continue
			}
			v, err := coerceArgument(cfg.Name, raw, typ)
			if err != nil {
				return nil, err
			}
			resolved[cfg.Name] = v

		default:
			r.logger.Warn("ignoring parameter with unknown source", "name", cfg.Name, "source", cfg.Source)
		}
	}

	return resolved, nil
}

// loadGlobals returns the tenant's globals with secrets decrypted.
func (r *Resolver) loadGlobals(ctx context.Context, tenantID int64) (map[string]string, error) {
	rows, err := r.globals.ListServerGlobals(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading server globals: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, g := range rows {
		if !g.IsSecret {
			out[g.Key] = g.Value
			continue
		}
		if r.cipher == nil {
			return nil, fmt.Errorf("secret global %q present but no master key configured", g.Key)
		}
		plain, err := r.cipher.Decrypt(g.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypting global %q: %w", g.Key, err)
		}
		out[g.Key] = plain
	}
	return out, nil
}

func castParam(name, value, typ string) (any, error) {
	v, err := variables.CastNamed(name, value, typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return v, nil
}

// coerceArgument validates an agent-supplied JSON value against the declared type.
// Strings go through the same casts as stored values.
func coerceArgument(name string, raw any, typ string) (any, error) {
	if s, ok := raw.(string); ok {
		return castParam(name, s, typ)
	}

	mismatch := func() error {
		return fmt.Errorf("%w: %w", ErrInvalidParams, &variables.CastError{
			Name:  name,
			Type:  typ,
			Value: variables.Stringify(raw),
		})
	}

	switch typ {
	case variables.TypeInteger:
		switch n := raw.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
		f, ok := toFloat(raw)
		// float64(math.MaxInt64) rounds up to 2^63, which is already out of range
		if !ok || !variables.IsFinite(f) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, mismatch()
		}
		return int64(f), nil
	case variables.TypeNumber:
		f, ok := toFloat(raw)
		if !ok || !variables.IsFinite(f) {
			return nil, mismatch()
		}
		return f, nil
	case variables.TypeBoolean, variables.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case variables.TypeObject:
		if _, ok := raw.(map[string]any); !ok {
			return nil, mismatch()
		}
		return raw, nil
	case variables.TypeArray:
		if _, ok := raw.([]any); !ok {
			return nil, mismatch()
		}
		return raw, nil
	case variables.TypeJSON:
		return raw, nil
	case variables.TypeURL:
		return nil, mismatch()
	default:
		// Agents often send numbers or booleans for string parameters
		return variables.Stringify(raw), nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
