// Package streaminghttp implements the MCP Streamable HTTP transport. It mounts
// as a standard net/http handler on a single endpoint path and maps the three
// verbs onto the session engine:
//
//   - POST without Mcp-Session-Id must carry initialize; the result is a plain
//     JSON response and the new session ID is returned in Mcp-Session-Id.
//   - POST of a request answers on a Server-Sent Events stream. Requests the
//     server issues to the client while handling it (sampling/createMessage)
//     are written to the same stream ahead of the final response.
//   - POST of a notification or of a client response returns 202 Accepted.
//     Responses are routed to the waiting request through the session host,
//     so any instance sharing the host can receive them.
//   - GET opens the session's long-lived stream, resuming after Last-Event-ID
//     when supplied.
//   - DELETE terminates the session and runs the session deleted hooks.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "https://api.example/mcp", // public endpoint; its path is served
//	    host,                      // sessions.SessionHost implementation
//	    server,                    // mcpservice.ServerCapabilities
//	    streaminghttp.WithLogger(log),
//	)
//
// Method handlers can be decorated before the first request is served:
//
//	if _, err := interceptor.Install(h.Handlers()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Scaling
//
// Horizontal scale relies on a shared SessionHost. Each node handles any mix
// of requests; ordering for a given session is preserved by the host's stream
// semantics, not sticky routing.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with a small JSON body;
// MCP-level errors are serialized as JSON-RPC error responses.
package streaminghttp
