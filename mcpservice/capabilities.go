package mcpservice

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

// ErrToolNotFound is returned by CallTool when no tool has the requested name.
var ErrToolNotFound = errors.New("tool not found")

// ServerCapabilities is what the engine consults to answer initialize and the
// tools methods. Implementations MUST be safe for concurrent use.
//
// Capability discovery methods return (cap, ok, err). A false ok indicates
// that the capability is not supported for the given session; err is reserved
// for transient or internal failures while determining support.
type ServerCapabilities interface {
	// GetServerInfo returns implementation information surfaced in initialize
	// results. It MAY be called multiple times and SHOULD be inexpensive.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the server's preferred MCP protocol
	// version. If ok is false, the client's requested version is used when
	// supported.
	GetPreferredProtocolVersion(ctx context.Context) (version string, ok bool, err error)

	// GetInstructions returns optional human-readable instructions included in
	// the initialize result.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session. If ok is
	// false, tools are not advertised.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)
}

// ToolsCapability defines the server's tools surface area.
type ToolsCapability interface {
	// ListTools returns a (possibly paginated) list of tools available to the session.
	// A nil cursor requests the first page. When more results are available,
	// Page.NextCursor SHOULD be set.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a named tool with the provided request payload. Argument
	// problems are reported as an error CallToolResult; unknown tools as
	// ErrToolNotFound.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}
