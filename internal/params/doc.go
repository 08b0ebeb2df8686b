// Package params turns a tool instance's parameter configuration into concrete values.
//
// Each placeholder of a tool template is satisfied from one of three sources:
//
//   - instance: a fixed value on the instance, itself templated against the tenant's globals
//   - server: the tenant global with the same name, decrypted when secret
//   - exposed: supplied by the calling agent in tools/call arguments
//
// A source that yields nothing leaves the parameter out of the resolved map.
// Configs naming a parameter the tool template does not declare are ignored.
//
// GenerateSchema describes the exposed parameters as a JSON Schema for tools/list.
package params
