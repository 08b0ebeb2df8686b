// ABOUTME: Placeholder extraction and substitution for {{type:name}} tool templates
// ABOUTME: Unmatched placeholders are left in place so callers can detect them

package variables

import (
	"regexp"
	"strings"
)

// Declared parameter types understood by Cast and the schema generator.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeBool    = "bool"
	TypeJSON    = "json"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeURL     = "url"
)

// Template locations a placeholder can be extracted from.
const (
	SourceURL     = "url"
	SourceHeaders = "headers"
	SourceBody    = "body"
)

var placeholderPattern = regexp.MustCompile(`\{\{(?:([a-z]+):)?([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Variable is a single placeholder found in a template.
type Variable struct {
	Name    string
	Type    string // defaults to "string" when the placeholder has no type prefix
	Source  string // url, headers or body; empty for FindVariables
	Pattern string // the full matched text, e.g. "{{integer:limit}}"
}

// FindVariables returns the placeholders in s, one per name, in order of first appearance.
func FindVariables(s string) []Variable {
	return appendVariables(nil, make(map[string]struct{}), s, "")
}

// ExtractFromTool scans a tool's url, headers and body templates in that order
// and returns each placeholder name once.
func ExtractFromTool(url, headers, body string) []Variable {
	seen := make(map[string]struct{})
	var vars []Variable
	vars = appendVariables(vars, seen, url, SourceURL)
	vars = appendVariables(vars, seen, headers, SourceHeaders)
	vars = appendVariables(vars, seen, body, SourceBody)
	return vars
}

func appendVariables(vars []Variable, seen map[string]struct{}, s, source string) []Variable {
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		name := m[2]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		typ := m[1]
		if typ == "" {
			typ = TypeString
		}
		vars = append(vars, Variable{Name: name, Type: typ, Source: source, Pattern: m[0]})
	}
	return vars
}

// Substitute replaces every placeholder whose name is present in ctx.
// Placeholders with no matching key are returned untouched.
func Substitute(s string, ctx map[string]string) string {
	if len(ctx) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholderPattern.FindStringSubmatch(match)
		if v, ok := ctx[m[2]]; ok {
			return v
		}
		return match
	})
}

// HasPlaceholders reports whether s still contains any placeholder.
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

// Index maps each variable name to its declared type.
func Index(vars []Variable) map[string]string {
	idx := make(map[string]string, len(vars))
	for _, v := range vars {
		idx[v.Name] = v.Type
	}
	return idx
}
