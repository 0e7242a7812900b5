package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/internal/engine"
	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/internal/logctx"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/ggoodman/mcp-ping-server/sessions/memoryhost"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a single inbound JSON-RPC message.
const maxLineSize = 4 << 20

// ErrAlreadyServed is returned by Serve when called more than once.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport that reads newline-delimited
// JSON-RPC messages from an io.Reader and writes responses to an io.Writer.
// By default, it uses os.Stdin and os.Stdout.
//
// The connection carries one implicit session, created by the client's
// initialize request and torn down when Serve returns.
type Handler struct {
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	host    sessions.SessionHost
	engOpts []engine.EngineOption

	eng    *engine.Engine
	served atomic.Bool

	mu   sync.Mutex
	sess *engine.SessionHandle
}

// NewHandler constructs a stdio Handler with defaults and applies options.
// Without WithSessionHost the session lives in a private memoryhost.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		r: os.Stdin,
		w: os.Stdout,
		l: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.host == nil {
		h.host = memoryhost.New()
	}
	h.l = slog.New(logctx.Handler{Handler: h.l.Handler()})
	h.eng = engine.NewEngine(h.host, srv, append([]engine.EngineOption{engine.WithLogger(h.l)}, h.engOpts...)...)
	return h
}

// Handlers exposes the method dispatch table so callers can decorate
// handlers before Serve is called.
func (h *Handler) Handlers() *dispatch.Table {
	return h.eng.Table()
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It may be called at most once per Handler.
//
// Each inbound request is handled on its own goroutine so that a request
// blocked on a server-initiated exchange does not stall the reader that must
// deliver the client's reply. Notifications and client responses are handled
// inline, in arrival order. Once the input ends, in-flight requests are
// canceled and awaited before the session is deleted.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	out := &writeMux{w: bufio.NewWriter(h.w)}

	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	var inflight errgroup.Group
	defer func() {
		cancelRequests()
		_ = inflight.Wait()
		h.teardown(ctx)
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		readErr <- readLines(h.r, lines, done)
	}()

	h.l.InfoContext(ctx, "stdio.serve.start")

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.cancelled")
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if err != nil {
					h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
					return fmt.Errorf("read input: %w", err)
				}
				h.l.InfoContext(ctx, "stdio.serve.eof")
				return nil
			}
			h.handleLine(reqCtx, &inflight, out, line)
		}
	}
}

// readLines scans newline-delimited messages from r onto lines until EOF or
// until done is closed. lines is closed on return.
func readLines(r io.Reader, lines chan<- []byte, done <-chan struct{}) error {
	defer close(lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		line := append([]byte(nil), b...)
		select {
		case lines <- line:
		case <-done:
			return nil
		}
	}
	return sc.Err()
}

func (h *Handler) handleLine(ctx context.Context, inflight *errgroup.Group, out *writeMux, line []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.l.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		h.write(ctx, out, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	if req != nil && req.Method == string(mcp.InitializeMethod) {
		h.initialize(ctx, out, req)
		return
	}

	sessID := h.sessionID()
	if sessID == "" {
		h.handleUninitialized(ctx, out, req)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	switch {
	case req != nil && !req.ID.IsNil():
		inflight.Go(func() error {
			h.serveRequest(ctx, out, sessID, req)
			return nil
		})
	case req != nil:
		sess, err := h.eng.LoadSession(ctx, sessID, nil)
		if err != nil {
			h.l.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			return
		}
		if err := h.eng.HandleNotification(ctx, sess, req); err != nil {
			h.l.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
		}
	default:
		res := msg.AsResponse()
		sess, err := h.eng.LoadSession(ctx, sessID, nil)
		if err != nil {
			h.l.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			return
		}
		if err := h.eng.HandleClientResponse(ctx, sess, res); err != nil {
			h.l.ErrorContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
		}
	}
}

func (h *Handler) initialize(ctx context.Context, out *writeMux, req *jsonrpc.Request) {
	if req.ID.IsNil() {
		h.l.WarnContext(ctx, "session.initialize.invalid")
		return
	}
	if h.sessionID() != "" {
		h.l.WarnContext(ctx, "session.initialize.redundant")
		h.write(ctx, out, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil))
		return
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		h.l.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		h.write(ctx, out, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		return
	}

	sess, initRes, err := h.eng.InitializeSession(ctx, &initReq)
	if err != nil {
		h.l.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		h.write(ctx, out, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to initialize session", nil))
		return
	}
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		ProtocolVersion: sess.ProtocolVersion(),
		Sampling:        sess.Capabilities().Sampling,
	})

	res, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		h.l.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	h.write(ctx, out, res)
	h.l.InfoContext(ctx, "session.initialize.ok")
}

// handleUninitialized answers traffic that arrives before initialize. Only
// ping is served; other requests are rejected and notifications dropped.
func (h *Handler) handleUninitialized(ctx context.Context, out *writeMux, req *jsonrpc.Request) {
	if req == nil || req.ID.IsNil() {
		h.l.WarnContext(ctx, "session.uninitialized.drop")
		return
	}
	if req.Method == string(mcp.PingMethod) {
		res, err := jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
		if err == nil {
			h.write(ctx, out, res)
		}
		return
	}
	h.write(ctx, out, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil))
}

func (h *Handler) serveRequest(ctx context.Context, out *writeMux, sessID string, req *jsonrpc.Request) {
	writer := engine.NewMessageWriterFunc(func(_ context.Context, msg jsonrpc.Message) error {
		return out.writeRaw(msg)
	})

	sess, err := h.eng.LoadSession(ctx, sessID, writer)
	if err != nil {
		h.l.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		h.write(ctx, out, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "session unavailable", nil))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		ProtocolVersion: sess.ProtocolVersion(),
		Sampling:        sess.Capabilities().Sampling,
	})

	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.l.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	h.write(ctx, out, res)
	h.l.DebugContext(ctx, "rpc.inbound.ok")
}

func (h *Handler) write(ctx context.Context, out *writeMux, v any) {
	if err := out.writeJSONRPC(v); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) sessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return ""
	}
	return h.sess.SessionID()
}

func (h *Handler) teardown(ctx context.Context) {
	h.mu.Lock()
	sess := h.sess
	h.sess = nil
	h.mu.Unlock()
	if sess == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := h.eng.DeleteSession(ctx, sess); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.l.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
}

// writeMux serializes newline-delimited writes from concurrent request
// goroutines.
type writeMux struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.writeRaw(b)
}

func (m *writeMux) writeRaw(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}
