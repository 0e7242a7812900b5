// Package stdio implements a minimal single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses, local
// development, and environments where spawning a child process and piping JSON
// is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : One implicit session, created by initialize
//	Transport        : Newline-delimited JSON-RPC
//
// Server-initiated requests such as sampling/createMessage are written to the
// same output stream; the client's replies are read back from the input and
// matched to the waiting request.
//
// Example:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "my-stdio-server", Version: "0.1.0"}),
//	    mcpservice.WithToolsCapability(tools),
//	)
//	h := stdio.NewHandler(srv)
//	if _, err := interceptor.Install(h.Handlers()); err != nil { log.Fatal(err) }
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For multi-session, horizontally scalable deployments prefer the streaming
// HTTP transport which integrates with shared session hosts.
package stdio
