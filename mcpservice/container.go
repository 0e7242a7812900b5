package mcpservice

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

const defaultToolsPageSize = 50

// ToolsContainer owns a threadsafe set of tool descriptors and handlers and
// implements ToolsCapability over them. Tools are listed in registration
// order.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing
	handlers map[string]ToolHandler // name -> handler

	pageSize int
}

var _ ToolsCapability = (*ToolsContainer)(nil)

// NewToolsContainer constructs a new ToolsContainer with the given tool definitions.
// On duplicate names the last definition wins.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{pageSize: defaultToolsPageSize, handlers: make(map[string]ToolHandler, len(defs))}
	for _, d := range defs {
		name := d.Descriptor.Name
		if _, dup := st.handlers[name]; dup {
			for i := range st.tools {
				if st.tools[i].Name == name {
					st.tools[i] = d.Descriptor
				}
			}
		} else {
			st.tools = append(st.tools, d.Descriptor)
		}
		st.handlers[name] = d.Handler
	}
	return st
}

// SetPageSize sets the pagination size used by ListTools. A non-positive value
// is ignored.
func (st *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	st.mu.Lock()
	st.pageSize = n
	st.mu.Unlock()
}

// Snapshot returns a copy of the current tool descriptors.
func (st *ToolsContainer) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// ListTools implements ToolsCapability with offset-cursor pagination.
func (st *ToolsContainer) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	st.mu.RLock()
	all := make([]mcp.Tool, len(st.tools))
	copy(all, st.tools)
	pageSize := st.pageSize
	st.mu.RUnlock()

	start := parseCursor(cursor)
	if start > len(all) {
		start = 0
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	items := make([]mcp.Tool, end-start)
	copy(items, all[start:end])
	if end < len(all) {
		return NewPage(items, WithNextCursor[mcp.Tool](strconv.Itoa(end))), nil
	}
	return NewPage(items), nil
}

// CallTool implements ToolsCapability by dispatching to the named handler.
func (st *ToolsContainer) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	st.mu.RLock()
	h := st.handlers[req.Name]
	st.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, session, req)
}
