// Package variables finds and substitutes {{name}} and {{type:name}} placeholders
// in tool templates and casts raw string values to their declared types.
package variables
