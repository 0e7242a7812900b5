// Package dispatch maps JSON-RPC method names to handlers and lets callers
// decorate those handlers with middleware.
//
// A Table is populated while the server is being assembled. Use wraps the
// handler already registered for a method, UseGlobal wraps every method, and
// Seal freezes the table before it starts serving traffic. Middleware passed
// in a single call runs in argument order: the first middleware is the
// outermost. A later Use call wraps everything installed before it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

var (
	// ErrSealed is returned when mutating a table after Seal.
	ErrSealed = errors.New("dispatch table is sealed")
	// ErrNoHandler is returned by Use when the method has no handler to wrap.
	ErrNoHandler = errors.New("no handler registered for method")
)

// Handler serves one JSON-RPC request or notification received on sess.
// Notifications return a nil response. A non-nil error is reported to the
// client as an internal error.
type Handler func(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error)

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Table is a concurrency-safe method to handler mapping.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	global   Middleware
	sealed   bool
}

// NewTable returns an empty, unsealed table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any previous registration.
func (t *Table) Handle(method string, h Handler) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %q", method)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrSealed
	}
	t.handlers[method] = h
	return nil
}

// Lookup returns the handler registered for method, including any per-method
// middleware installed with Use. Global middleware is not applied. A nil
// table has no handlers.
func (t *Table) Lookup(method string) (Handler, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[method]
	return h, ok
}

// Use wraps the handler registered for method with mws.
func (t *Table) Use(method string, mws ...Middleware) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrSealed
	}
	h, ok := t.handlers[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, method)
	}
	t.handlers[method] = chain(h, mws)
	return nil
}

// UseGlobal installs mws around every method, including methods that have no
// handler.
func (t *Table) UseGlobal(mws ...Middleware) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrSealed
	}
	prev := t.global
	t.global = func(h Handler) Handler {
		if prev != nil {
			h = prev(h)
		}
		return chain(h, mws)
	}
	return nil
}

// Seal freezes the table. It is safe to call more than once.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

// Methods returns the registered method names in lexical order.
func (t *Table) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for m := range t.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes req to its handler. Requests for unknown methods yield a
// method-not-found error response; unknown notifications are dropped.
func (t *Table) Dispatch(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	t.mu.RLock()
	h, ok := t.handlers[req.Method]
	global := t.global
	t.mu.RUnlock()

	if !ok {
		h = methodNotFound
	}
	if global != nil {
		h = global(h)
	}
	return h(ctx, sess, req)
}

func methodNotFound(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.IsNotification() {
		return nil, nil
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
