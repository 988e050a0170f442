// Package catalog owns the set of tools and resources this server exposes
// and the handlers behind them. Handlers receive ready-to-use upstream
// clients; credential resolution and pooling happen before dispatch, so a
// handler never sees a token.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/mcp"
	"github.com/relaykit/mcp-jira-confluence/upstream/confluence"
	"github.com/relaykit/mcp-jira-confluence/upstream/jira"
)

// ErrUnknownTool is wrapped in Call's error when no tool carries the
// requested name.
var ErrUnknownTool = errors.New("unknown tool")

// InvalidArgumentsError reports tool call arguments rejected before any
// upstream call was made.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

func invalidArgs(tool, format string, a ...any) error {
	return &InvalidArgumentsError{Tool: tool, Err: fmt.Errorf(format, a...)}
}

// Clients carries the upstream clients resolved for one request. A service
// whose credential did not resolve has a nil slot; handlers must not be
// dispatched against a service whose slot is nil.
type Clients struct {
	Jira       *jira.Client
	Confluence *confluence.Client
}

// ToolHandler handles one tool invocation.
type ToolHandler func(ctx context.Context, up Clients, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with the service it calls and its
// handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Service    credentials.Service
	Handler    ToolHandler
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description string
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// NewTool constructs a StaticTool from a typed args struct A. It reflects a
// JSON schema from A, down-converts it to the simplified wire schema, and
// wraps the handler with strict JSON decoding: unknown fields are rejected
// so schema and runtime behavior agree.
func NewTool[A any](name string, service credentials.Service, fn func(ctx context.Context, up Clients, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](),
	}

	handler := func(ctx context.Context, up Clients, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args A
		if len(req.Arguments) > 0 {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, &InvalidArgumentsError{Tool: req.Name, Err: err}
			}
		}
		return fn(ctx, up, args)
	}

	return StaticTool{Descriptor: desc, Service: service, Handler: handler}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified mcp.ToolInputSchema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to the wire shape. Anything else is
	// exposed as an empty object.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema node to the
// simplified wire property.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// Container owns a threadsafe set of tool descriptors and handlers.
type Container struct {
	mu     sync.RWMutex
	tools  []mcp.Tool
	byName map[string]StaticTool
}

// New constructs a Container with the given tool definitions. Last write
// wins on duplicate names.
func New(defs ...StaticTool) *Container {
	c := &Container{
		tools:  make([]mcp.Tool, 0, len(defs)),
		byName: make(map[string]StaticTool, len(defs)),
	}
	for _, d := range defs {
		c.tools = append(c.tools, d.Descriptor)
		c.byName[d.Descriptor.Name] = d
	}
	return c
}

// Default returns a Container holding the full Jira and Confluence tool set.
func Default() *Container {
	defs := append(jiraTools(), confluenceTools()...)
	return New(defs...)
}

// Snapshot returns a copy of the current tool descriptors.
func (c *Container) Snapshot() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Lookup returns the named tool. Callers use the tool's Service to resolve
// credentials before dispatching.
func (c *Container) Lookup(name string) (StaticTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[name]
	return t, ok
}

// Call dispatches a request to the named tool.
func (c *Container) Call(ctx context.Context, up Clients, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrUnknownTool)
	}
	t, ok := c.Lookup(req.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}
	return t.Handler(ctx, up, req)
}
