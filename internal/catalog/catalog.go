package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

//go:embed endpoints.json
var embeddedCatalog []byte

// allowedMethods lists the HTTP methods an operation may declare.
var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PATCH":  true,
	"PUT":    true,
	"DELETE": true,
}

// toolNamePattern restricts tool names to lowercase kebab-case, matching the
// naming convention exposed to MCP clients.
var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// pathParamPattern matches {param} placeholders in a path pattern.
var pathParamPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\}`)

// Param describes a single parameter of an operation.
type Param struct {
	// Name is the parameter name as exposed in the tool input schema.
	Name string `json:"name"`

	// In is the parameter location: "path", "query", or "body".
	In string `json:"in"`

	// Type is the JSON type of the parameter: "string", "number",
	// "boolean", or "object".
	Type string `json:"type"`

	// Required marks the parameter as mandatory.
	Required bool `json:"required,omitempty"`

	// Description documents the parameter for MCP clients.
	Description string `json:"description,omitempty"`
}

// Operation describes a single Microsoft Graph REST operation exposed as an
// MCP tool. Operations are immutable after loading.
type Operation struct {
	// ToolName is the MCP tool name, unique within the catalog.
	ToolName string `json:"toolName"`

	// Method is the HTTP method of the Graph request.
	Method string `json:"method"`

	// PathPattern is the Graph v1.0 path with {param} placeholders.
	PathPattern string `json:"pathPattern"`

	// Description documents the operation for MCP clients.
	Description string `json:"description"`

	// Scopes are the delegated permission scopes the operation needs.
	Scopes []string `json:"scopes"`

	// WorkAccountRequired marks operations only available to
	// organizational (work/school) accounts.
	WorkAccountRequired bool `json:"workAccountRequired,omitempty"`

	// Params describe the operation's path, query, and body parameters.
	Params []Param `json:"params,omitempty"`
}

// PathParams returns the placeholder names in the operation's path pattern.
func (o *Operation) PathParams() []string {
	matches := pathParamPattern.FindAllStringSubmatch(o.PathPattern, -1)
	params := make([]string, 0, len(matches))
	for _, m := range matches {
		params = append(params, m[1])
	}
	return params
}

// Catalog is the validated set of operations, with lookup by tool name.
type Catalog struct {
	operations []Operation
	byTool     map[string]*Operation
}

// Load parses and validates the embedded operation catalog.
func Load() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// Parse parses and validates a catalog from raw JSON. Malformed entries are
// rejected here, at load time, so that lookups never fail lazily.
func Parse(data []byte) (*Catalog, error) {
	var operations []Operation
	if err := json.Unmarshal(data, &operations); err != nil {
		return nil, fmt.Errorf("failed to parse operation catalog: %w", err)
	}
	if len(operations) == 0 {
		return nil, fmt.Errorf("operation catalog is empty")
	}

	c := &Catalog{
		operations: operations,
		byTool:     make(map[string]*Operation, len(operations)),
	}

	for i := range operations {
		op := &operations[i]
		if err := validateOperation(op); err != nil {
			return nil, fmt.Errorf("invalid catalog entry %d (%q): %w", i, op.ToolName, err)
		}
		if _, exists := c.byTool[op.ToolName]; exists {
			return nil, fmt.Errorf("invalid catalog entry %d: duplicate tool name %q", i, op.ToolName)
		}
		c.byTool[op.ToolName] = op
	}

	return c, nil
}

// validateOperation checks a single catalog entry for structural problems.
func validateOperation(op *Operation) error {
	if op.ToolName == "" {
		return fmt.Errorf("missing toolName")
	}
	if !toolNamePattern.MatchString(op.ToolName) {
		return fmt.Errorf("tool name must be lowercase kebab-case")
	}
	if !allowedMethods[op.Method] {
		return fmt.Errorf("unsupported method %q", op.Method)
	}
	if !strings.HasPrefix(op.PathPattern, "/") {
		return fmt.Errorf("path pattern must start with '/'")
	}
	if len(op.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	for _, s := range op.Scopes {
		if s == "" {
			return fmt.Errorf("empty scope name")
		}
	}

	declared := make(map[string]bool, len(op.Params))
	for _, p := range op.Params {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		switch p.In {
		case "path", "query", "body":
		default:
			return fmt.Errorf("parameter %q: unsupported location %q", p.Name, p.In)
		}
		switch p.Type {
		case "string", "number", "boolean", "object":
		default:
			return fmt.Errorf("parameter %q: unsupported type %q", p.Name, p.Type)
		}
		if p.In == "path" && !p.Required {
			return fmt.Errorf("path parameter %q must be required", p.Name)
		}
		if declared[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		declared[p.Name] = true
	}

	// Every placeholder in the path must be backed by a declared path param.
	for _, name := range op.PathParams() {
		if !declared[name] {
			return fmt.Errorf("path parameter %q is not declared", name)
		}
	}

	return nil
}

// Operations returns all operations in catalog order.
func (c *Catalog) Operations() []Operation {
	return c.operations
}

// ByTool returns the operation registered under the given tool name.
func (c *Catalog) ByTool(name string) (*Operation, bool) {
	op, ok := c.byTool[name]
	return op, ok
}

// Len returns the number of operations in the catalog.
func (c *Catalog) Len() int {
	return len(c.operations)
}
