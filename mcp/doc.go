// Package mcp contains the protocol data types and constants this server
// exchanges with clients. It mirrors the wire representation of the Model
// Context Protocol for the subset of methods the server handles: the
// initialize handshake, tools listing and invocation, ping, cancellation and
// the server-initiated sampling/createMessage request.
//
// The package is free of transport logic. The streaminghttp and stdio
// transports import these types but implement their own framing and session
// handling, and the engine serializes them into JSON-RPC envelopes.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Middleware registered on a dispatch table is keyed
// by these names.
//
// # Sampling
//
// CreateMessageRequest and CreateMessageResult describe the nested round trip
// a server performs when it asks the client's model to produce a message. The
// helpers in package mcp/sampling build well-formed requests.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion reflects the most recent protocol date the server
// targets. During initialize the engine echoes the client's version when it
// is listed in SupportedProtocolVersions and falls back to the latest one
// otherwise.
package mcp
