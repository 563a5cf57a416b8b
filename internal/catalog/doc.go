// Package catalog defines the declarative operation catalog that maps
// Microsoft Graph REST operations to MCP tools.
//
// The catalog is embedded in the binary as JSON and parsed into a strongly
// typed, validated table at startup. Malformed entries are rejected at load
// time with positional error messages; lookups after a successful load never
// fail due to bad data.
//
// Each operation carries the delegated permission scopes it needs and an
// optional work-account marker for operations that are only available to
// organizational accounts. The auth layer derives its minimal scope set from
// this catalog; the graph layer turns each entry into an invocable MCP tool.
package catalog
