// Package sampling provides lightweight helpers for constructing MCP
// sampling/createMessage requests and reading their results.
//
// The wire types live in package mcp (CreateMessageRequest,
// CreateMessageResult). This package layers a small builder over them:
//   - Convenience constructors for single-block user / assistant messages
//   - Functional options for system prompt, temperature, max tokens and model preferences
//   - Validation helper for preflight sanity checks before sending
//   - Text extraction from a result
//
// Example:
//
//	req := sampling.NewCreateMessage(
//	    []mcp.SamplingMessage{sampling.UserText("Ping: 2025-01-01T00:00:00")},
//	    sampling.WithMaxTokens(64),
//	)
//	if err := sampling.ValidateCreateMessage(req); err != nil { return err }
//	// send via the session's SamplingCapability
package sampling
