package sessions

import (
	"context"

	"github.com/ggoodman/mcp-ping-server/mcp"
)

// Session represents a negotiated MCP session and exposes optional
// per-session capabilities. Implementations MUST be safe for concurrent use.
type Session interface {
	SessionID() string
	// ProtocolVersion is the negotiated MCP protocol version baked into the session.
	ProtocolVersion() string
	// Capabilities is the client capability snapshot captured at initialize.
	Capabilities() CapabilitySet

	GetSamplingCapability() (cap SamplingCapability, ok bool)
}

// MessageHandlerFunction handles ordered messages for a session stream.
// If the handler returns an error, the subscription will terminate with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SamplingCapability when present on a session, enables the sampling surface area.
// CreateMessage blocks until the client answers, the transport fails, or ctx
// is done.
type SamplingCapability interface {
	CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
}
