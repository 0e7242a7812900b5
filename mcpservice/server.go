package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

// ServerOption configures a concrete ServerCapabilities implementation.
type ServerOption func(*server)

type server struct {
	staticInfo   *mcp.ImplementationInfo
	infoProvider func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	staticProtocolVersion string
	staticInstructions    *string

	staticToolsCap ToolsCapability
	toolsProvider  func(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)
}

// NewServer builds a ServerCapabilities using functional options.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets a static server info value.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.staticInfo = &info }
}

// WithServerInfoProvider sets a per-session server info provider.
func WithServerInfoProvider(fn func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)) ServerOption {
	return func(s *server) { s.infoProvider = fn }
}

// WithPreferredProtocolVersion pins the negotiated protocol version.
func WithPreferredProtocolVersion(version string) ServerOption {
	return func(s *server) { s.staticProtocolVersion = version }
}

// WithInstructions sets static instructions returned from initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.staticInstructions = &instr }
}

// WithToolsCapability sets a static tools capability shared by all sessions.
func WithToolsCapability(cap ToolsCapability) ServerOption {
	return func(s *server) { s.staticToolsCap = cap }
}

// WithToolsProvider sets a per-session tools capability provider.
func WithToolsProvider(fn func(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)) ServerOption {
	return func(s *server) { s.toolsProvider = fn }
}

func (s *server) GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error) {
	if s.infoProvider != nil {
		return s.infoProvider(ctx, session)
	}
	if s.staticInfo != nil {
		return *s.staticInfo, nil
	}
	return mcp.ImplementationInfo{Name: "mcp-server", Version: "0.0.0"}, nil
}

func (s *server) GetPreferredProtocolVersion(ctx context.Context) (string, bool, error) {
	if s.staticProtocolVersion != "" {
		return s.staticProtocolVersion, true, nil
	}
	return "", false, nil
}

func (s *server) GetInstructions(ctx context.Context, session sessions.Session) (string, bool, error) {
	if s.staticInstructions != nil {
		return *s.staticInstructions, true, nil
	}
	return "", false, nil
}

func (s *server) GetToolsCapability(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	if s.toolsProvider != nil {
		return s.toolsProvider(ctx, session)
	}
	if s.staticToolsCap != nil {
		return s.staticToolsCap, true, nil
	}
	return nil, false, nil
}
