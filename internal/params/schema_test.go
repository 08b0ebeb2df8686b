// ABOUTME: Tests for JSON Schema generation from exposed parameters
// ABOUTME: Covers the type table, required ordering and source filtering

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/variables"
)

func TestGenerateSchema_TypeTable(t *testing.T) {
	vars := variables.FindVariables(
		"{{s}} {{string:s2}} {{integer:i}} {{number:n}} {{boolean:b}} {{json:j}} {{object:o}} {{array:a}} {{url:u}} {{mystery:m}}")

	var configs []store.ParamConfig
	for _, v := range vars {
		configs = append(configs, store.ParamConfig{Name: v.Name, Source: store.ParamSourceExposed})
	}

	schema := GenerateSchema(configs, vars)
	props := schema["properties"].(map[string]any)

	want := map[string]map[string]any{
		"s":  {"type": "string"},
		"s2": {"type": "string"},
		"i":  {"type": "integer"},
		"n":  {"type": "number"},
		"b":  {"type": "boolean"},
		"j":  {"type": "object"},
		"o":  {"type": "object"},
		"a":  {"type": "array"},
		"u":  {"type": "string", "format": "uri"},
		"m":  {"type": "string"},
	}
	for name, expected := range want {
		prop, ok := props[name].(map[string]any)
		if !ok {
			t.Errorf("missing property %q", name)
			continue
		}
		for k, v := range expected {
			assert.Equal(t, v, prop[k], "property %s field %s", name, k)
		}
		assert.Equal(t, "Parameter: "+name, prop["description"])
	}
}

func TestGenerateSchema_OnlyExposedAndSortedRequired(t *testing.T) {
	vars := variables.FindVariables("{{zeta}} {{alpha}} {{fixed}} {{global}}")
	configs := []store.ParamConfig{
		{Name: "zeta", Source: store.ParamSourceExposed},
		{Name: "fixed", Source: store.ParamSourceInstance},
		{Name: "alpha", Source: store.ParamSourceExposed},
		{Name: "global", Source: store.ParamSourceServer},
		{Name: "undeclared", Source: store.ParamSourceExposed},
	}

	schema := GenerateSchema(configs, vars)

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"alpha", "zeta"}, schema["required"])
	assert.Len(t, schema["properties"], 2)
}

func TestGenerateSchema_Empty(t *testing.T) {
	schema := GenerateSchema(nil, nil)
	assert.Equal(t, []string{}, schema["required"])
	assert.Empty(t, schema["properties"])
}
