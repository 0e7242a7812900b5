package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/invopop/jsonschema"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolResponseWriterTyped extends ToolResponseWriter for typed output tools.
// It allows setting a structuredContent value of type O.
type ToolResponseWriterTyped[O any] interface {
	ToolResponseWriter
	SetStructured(v O)
}

// internal typed writer wrapper
type toolResponseWriterTyped[O any] struct {
	ToolResponseWriter
	structured any // stored as concrete O; serialized at finalize
}

func (tw *toolResponseWriterTyped[O]) SetStructured(v O) { tw.structured = v }

// NewTool constructs a writer-based tool with typed input A. The input schema is
// reflected from A and arguments are decoded into A before fn runs.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: input,
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if err := decodeArgs(req.Arguments, &a, cfg.allowAdditionalProperties); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolTitle sets the human-readable display title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewToolWithOutput constructs a typed-input, typed-output tool. The output
// schema is reflected from O and the value passed to SetStructured is returned
// as structuredContent.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, session sessions.Session, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	// Output schemas are always objects.
	outSchema := reflectToMCPOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Title:        cfg.title,
		Description:  cfg.description,
		InputSchema:  input,
		OutputSchema: &outSchema,
	}
	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if err := decodeArgs(req.Arguments, &a, cfg.allowAdditionalProperties); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		baseWriter := newToolResponseWriter(ctx)
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: baseWriter}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, tw, r); err != nil {
			return nil, err
		}
		res := baseWriter.Result()
		if tw.structured != nil {
			b, err := json.Marshal(tw.structured)
			if err != nil {
				return nil, fmt.Errorf("encode structured content: %w", err)
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, fmt.Errorf("structured content must be an object: %w", err)
			}
			res.StructuredContent = m
		}
		return res, nil
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

// decodeArgs decodes raw tool arguments into dst. Empty or null arguments
// leave dst at its zero value.
func decodeArgs(raw json.RawMessage, dst any, allowAdditional bool) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if allowAdditional {
		return json.Unmarshal(raw, dst)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// reflectSchema reflects T with every definition inlined. The root is
// reflected in place rather than expanded from the definitions map, which
// holds nothing for unnamed types such as struct{}.
func reflectSchema[T any](allowAdditional bool) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	return r.Reflect(new(T))
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	s := reflectSchema[A](allowAdditional)

	// Only object schemas map cleanly to MCP ToolInputSchema. If not an object,
	// expose an empty object with the configured additionalProperties policy.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			key := el.Key
			val := el.Value
			props[key] = toMCPProperty(val)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// reflectToMCPOutputSchema reflects a Go type O into a mcp.ToolOutputSchema.
func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	s := reflectSchema[O](false)
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			key := el.Key
			val := el.Value
			props[key] = toMCPProperty(val)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
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
	// Arrays
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	// Objects
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			key := el.Key
			val := el.Value
			m[key] = toMCPProperty(val)
		}
		p.Properties = m
	}
	return p
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}
