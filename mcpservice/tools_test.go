package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

type nopSession struct{ sessions.Session }

type lookupArgs struct {
	ID int `json:"id" jsonschema:"description=Numeric identifier"`
}

type lookupOut struct {
	Name string `json:"name"`
}

func echoTool(name string) StaticTool {
	return NewTool[struct{}](name, func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
		return w.AppendText(r.Name())
	})
}

func TestToolsContainer_ListPaginates(t *testing.T) {
	var defs []StaticTool
	for i := range 5 {
		defs = append(defs, echoTool(fmt.Sprintf("tool_%d", i)))
	}
	c := NewToolsContainer(defs...)
	c.SetPageSize(2)

	var names []string
	var cursor *string
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("pagination did not terminate")
		}
		page, err := c.ListTools(context.Background(), nopSession{}, cursor)
		if err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		for _, tool := range page.Items {
			names = append(names, tool.Name)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"tool_0", "tool_1", "tool_2", "tool_3", "tool_4"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
}

func TestToolsContainer_BadCursorRestarts(t *testing.T) {
	c := NewToolsContainer(echoTool("a"), echoTool("b"))
	bad := "not-a-number"
	page, err := c.ListTools(context.Background(), nopSession{}, &bad)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Name != "a" {
		b, _ := json.Marshal(page.Items)
		t.Fatalf("unexpected page: %s", b)
	}
}

func TestToolsContainer_DuplicateNameLastWins(t *testing.T) {
	first := echoTool("dup")
	second := NewTool[struct{}]("dup", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
		return w.AppendText("second")
	}, WithToolDescription("second"))

	c := NewToolsContainer(first, second)
	list := c.Snapshot()
	if len(list) != 1 || list[0].Description != "second" {
		b, _ := json.Marshal(list)
		t.Fatalf("unexpected snapshot: %s", b)
	}

	res, err := c.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "dup"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "second" {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
}

func TestToolsContainer_UnknownTool(t *testing.T) {
	c := NewToolsContainer(echoTool("a"))
	_, err := c.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "missing"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if _, err := c.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{}); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestNewTool_ReflectsInputSchema(t *testing.T) {
	tool := NewTool[lookupArgs]("lookup", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[lookupArgs]) error {
		return nil
	})
	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type = %q", schema.Type)
	}
	prop, ok := schema.Properties["id"]
	if !ok || prop.Type != "integer" {
		b, _ := json.Marshal(schema)
		t.Fatalf("expected integer id property, got %s", b)
	}
	if prop.Description != "Numeric identifier" {
		t.Fatalf("description = %q", prop.Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "id" {
		t.Fatalf("required = %v", schema.Required)
	}
	if schema.AdditionalProperties {
		t.Fatalf("expected strict schema")
	}
}

func TestNewTool_StrictDecoding(t *testing.T) {
	var got int
	tool := NewTool[lookupArgs]("lookup", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[lookupArgs]) error {
		got = r.Args().ID
		return w.AppendText("ok")
	})

	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "lookup", Arguments: json.RawMessage(`{"id":3,"extra":true}`)})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error for unknown field")
	}

	res, err = tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "lookup", Arguments: json.RawMessage(`{"id":3}`)})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError || got != 3 {
		t.Fatalf("unexpected result isError=%v id=%d", res.IsError, got)
	}
}

func TestNewTool_AllowAdditionalProperties(t *testing.T) {
	tool := NewTool[lookupArgs]("lookup", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[lookupArgs]) error {
		return nil
	}, WithToolAllowAdditionalProperties(true))
	if !tool.Descriptor.InputSchema.AdditionalProperties {
		t.Fatalf("expected additionalProperties to be allowed")
	}
	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "lookup", Arguments: json.RawMessage(`{"id":1,"extra":true}`)})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
}

func TestNewToolWithOutput_StructuredContent(t *testing.T) {
	tool := NewToolWithOutput[lookupArgs, lookupOut]("lookup", func(ctx context.Context, s sessions.Session, w ToolResponseWriterTyped[lookupOut], r *ToolRequest[lookupArgs]) error {
		w.SetStructured(lookupOut{Name: "Carl Sagan"})
		return w.AppendText("Carl Sagan")
	})
	if tool.Descriptor.OutputSchema == nil || tool.Descriptor.OutputSchema.Type != "object" {
		t.Fatalf("expected object output schema")
	}
	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "lookup", Arguments: json.RawMessage(`{"id":2}`)})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := res.StructuredContent["name"]; got != "Carl Sagan" {
		t.Fatalf("structured name = %v", got)
	}
}

func TestToolResponseWriter_FinalizedRejectsWrites(t *testing.T) {
	w := newToolResponseWriter(context.Background())
	if err := w.AppendText("one"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	w.SetMeta("k", "v")
	res := w.Result()
	if err := w.AppendText("two"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	if len(res.Content) != 1 || res.Meta["k"] != "v" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestToolResponseWriter_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newToolResponseWriter(ctx)
	if err := w.AppendText("x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestToolResponseWriter_AppendJSON(t *testing.T) {
	w := newToolResponseWriter(context.Background())
	if err := w.AppendJSON(map[string]int{"id": 4}); err != nil {
		t.Fatalf("AppendJSON: %v", err)
	}
	if err := w.AppendJSON(func() {}); err == nil {
		t.Fatalf("expected encode error for func value")
	}
	res := w.Result()
	if len(res.Content) != 1 || res.Content[0].Text != `{"id":4}` {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
}

func TestNewTool_UnnamedArgumentTypes(t *testing.T) {
	noArgs := NewTool[struct{}]("noargs", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
		return w.AppendText("ok")
	})
	schema := noArgs.Descriptor.InputSchema
	if schema.Type != "object" || len(schema.Properties) != 0 || len(schema.Required) != 0 {
		b, _ := json.Marshal(schema)
		t.Fatalf("expected empty object schema, got %s", b)
	}
	res, err := noArgs.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "noargs"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}

	inline := NewTool[struct {
		Query string `json:"query"`
	}]("search", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct {
		Query string `json:"query"`
	}]) error {
		return nil
	})
	if prop, ok := inline.Descriptor.InputSchema.Properties["query"]; !ok || prop.Type != "string" {
		b, _ := json.Marshal(inline.Descriptor.InputSchema)
		t.Fatalf("expected string query property, got %s", b)
	}

	scalar := NewTool[string]("scalar", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[string]) error {
		return nil
	})
	if scalar.Descriptor.InputSchema.Type != "object" || len(scalar.Descriptor.InputSchema.Properties) != 0 {
		b, _ := json.Marshal(scalar.Descriptor.InputSchema)
		t.Fatalf("expected empty object schema for scalar input, got %s", b)
	}
}

func TestNewToolWithOutput_UnnamedOutputType(t *testing.T) {
	type count = struct {
		Count int `json:"count"`
	}
	tool := NewToolWithOutput[struct{}, count]("count", func(ctx context.Context, s sessions.Session, w ToolResponseWriterTyped[count], r *ToolRequest[struct{}]) error {
		w.SetStructured(count{Count: 4})
		return nil
	})
	out := tool.Descriptor.OutputSchema
	if out == nil || out.Type != "object" {
		t.Fatalf("expected object output schema")
	}
	if prop, ok := out.Properties["count"]; !ok || prop.Type != "integer" {
		b, _ := json.Marshal(out)
		t.Fatalf("expected integer count property, got %s", b)
	}
	res, err := tool.Handler(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "count"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := res.StructuredContent["count"]; got != float64(4) {
		t.Fatalf("structured count = %v", got)
	}
}
