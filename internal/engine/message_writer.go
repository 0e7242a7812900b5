package engine

import (
	"context"

	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
)

// MessageWriter delivers an encoded JSON-RPC message to the client on the
// transport that is currently serving the session.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func NewMessageWriterFunc(f func(ctx context.Context, msg jsonrpc.Message) error) MessageWriterFunc {
	return f
}

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}
