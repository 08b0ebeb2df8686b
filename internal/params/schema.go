// ABOUTME: JSON Schema generation for the exposed parameters of a tool instance
// ABOUTME: The schema becomes the inputSchema advertised by tools/list

package params

import (
	"sort"
	"strings"

	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/variables"
)

// GenerateSchema returns an object schema with one required property per exposed parameter.
func GenerateSchema(configs []store.ParamConfig, vars []variables.Variable) map[string]any {
	types := variables.Index(vars)

	properties := make(map[string]any)
	required := make([]string, 0)

	for _, cfg := range configs {
		if cfg.Source != store.ParamSourceExposed {
			continue
		}
		typ, declared := types[cfg.Name]
		if !declared {
			continue
		}
		prop := propertySchema(typ)
		prop["description"] = "Parameter: " + cfg.Name
		properties[cfg.Name] = prop
		required = append(required, cfg.Name)
	}
	sort.Strings(required)

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func propertySchema(typ string) map[string]any {
	switch strings.ToLower(typ) {
	case variables.TypeInteger:
		return map[string]any{"type": "integer"}
	case variables.TypeNumber:
		return map[string]any{"type": "number"}
	case variables.TypeBoolean, variables.TypeBool:
		return map[string]any{"type": "boolean"}
	case variables.TypeJSON, variables.TypeObject:
		return map[string]any{"type": "object"}
	case variables.TypeArray:
		return map[string]any{"type": "array"}
	case variables.TypeURL:
		return map[string]any{"type": "string", "format": "uri"}
	default:
		return map[string]any{"type": "string"}
	}
}
