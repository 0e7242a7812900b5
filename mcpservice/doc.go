// Package mcpservice provides the capability surface the engine consults when
// answering initialize, tools/list and tools/call: static server info,
// instructions, and a tools container with typed handlers.
//
// Quick start:
//
//	type EchoArgs struct {
//		Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//	tools := mcpservice.NewToolsContainer(
//		mcpservice.NewTool[EchoArgs]("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//			return w.AppendText("you said: " + r.Args().Message)
//		}, mcpservice.WithToolDescription("Echo a message back to the caller")),
//	)
//
//	srv := mcpservice.NewServer(
//		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//		mcpservice.WithToolsCapability(tools),
//	)
//
// Input schemas are reflected from the argument struct with
// invopop/jsonschema. Unknown argument fields are rejected unless
// WithToolAllowAdditionalProperties(true) is supplied.
package mcpservice
