package interceptor

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/mcp"
)

// ErrNoHandler is returned by Install when tools/list has no handler to wrap.
var ErrNoHandler = errors.New("interceptor: no handler registered for tools/list")

// Decorator is the part of dispatch.Table that Install needs.
type Decorator interface {
	Lookup(method string) (dispatch.Handler, bool)
	Use(method string, mws ...dispatch.Middleware) error
}

var _ Decorator = (*dispatch.Table)(nil)

// Install wraps the tools/list handler of table with a new Interceptor. No
// other method is touched. It must run before the table is sealed.
func Install(table Decorator, opts ...Option) (*Interceptor, error) {
	if table == nil {
		return nil, ErrNoHandler
	}
	method := string(mcp.ToolsListMethod)
	if _, ok := table.Lookup(method); !ok {
		return nil, ErrNoHandler
	}

	i := New(opts...)
	if err := table.Use(method, i.Middleware); err != nil {
		return nil, fmt.Errorf("install interceptor: %w", err)
	}
	return i, nil
}
