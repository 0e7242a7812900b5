package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/internal/engine"
	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/internal/logctx"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/google/uuid"
	sse "github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger  *slog.Logger
	engOpts []engine.EngineOption
}

// WithLogger sets the slog logger used by the handler and its engine.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionTTL sets the sliding idle TTL applied to sessions once the
// client sends notifications/initialized.
func WithSessionTTL(d time.Duration) Option {
	return func(c *newConfig) { c.engOpts = append(c.engOpts, engine.WithSessionTTL(d)) }
}

// WithHandshakeTTL sets how long an initialized-but-unconfirmed session
// survives before the client sends notifications/initialized.
func WithHandshakeTTL(d time.Duration) Option {
	return func(c *newConfig) { c.engOpts = append(c.engOpts, engine.WithHandshakeTTL(d)) }
}

// WithSessionMaxLifetime caps the absolute lifetime of a session.
func WithSessionMaxLifetime(d time.Duration) Option {
	return func(c *newConfig) { c.engOpts = append(c.engOpts, engine.WithSessionMaxLifetime(d)) }
}

// WithAwaitTTL bounds how long a server-initiated request waits for the
// client's reply when the caller sets no earlier deadline.
func WithAwaitTTL(d time.Duration) Option {
	return func(c *newConfig) { c.engOpts = append(c.engOpts, engine.WithAwaitTTL(d)) }
}

// WithSessionDeletedHook registers fn to run after a session is deleted,
// either by an explicit DELETE or by hitting its max lifetime.
func WithSessionDeletedHook(fn func(ctx context.Context, sessionID string)) Option {
	return func(c *newConfig) {
		if fn != nil {
			c.engOpts = append(c.engOpts, engine.WithSessionDeletedHook(fn))
		}
	}
}

type StreamingHTTPHandler struct {
	mux *http.ServeMux
	log *slog.Logger
	eng *engine.Engine
}

// New builds a handler serving the MCP endpoint at the path of
// publicEndpoint.
func New(publicEndpoint string, host sessions.SessionHost, server mcpservice.ServerCapabilities, opts ...Option) (*StreamingHTTPHandler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if host == nil {
		return nil, fmt.Errorf("SessionHost is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	loggerWithContextHandler := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{log: loggerWithContextHandler}
	h.eng = engine.NewEngine(host, server, append([]engine.EngineOption{engine.WithLogger(h.log)}, cfg.engOpts...)...)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)
	h.mux = mux

	return h, nil
}

// Handlers exposes the method dispatch table so callers can decorate
// handlers before the first request is served.
func (h *StreamingHTTPHandler) Handlers() *dispatch.Table {
	return h.eng.Table()
}

func pathOnly(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// eventStream serializes writes to one SSE response. The final response and
// any server-initiated requests issued while handling it share the stream.
type eventStream struct {
	mu   sync.Mutex
	sess *sse.Session
	ctx  context.Context
}

func (s *eventStream) send(msgID string, payload []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	m := &sse.Message{}
	if msgID != "" {
		if id, err := sse.NewID(msgID); err == nil {
			m.ID = id
		}
	}
	m.AppendData(string(payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sess.Send(m); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("flush SSE event: %w", err)
	}
	return nil
}

func (s *eventStream) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Flush()
}

func setStreamHeaders(w http.ResponseWriter, protocolVersion string) {
	if protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, protocolVersion)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// loadSession resolves the session named by the request header, writing the
// HTTP rejection itself when it cannot. A nil handle means the response has
// been written.
func (h *StreamingHTTPHandler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request, writer engine.MessageWriter, mismatchStatus int) *engine.SessionHandle {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return nil
	}

	sess, err := h.eng.LoadSession(ctx, sessID, writer)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return nil
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return nil
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			writeJSONError(w, mismatchStatus, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil
		}
	}
	return sess
}

func sessionData(sess *engine.SessionHandle) *logctx.SessionData {
	return &logctx.SessionData{
		SessionID:       sess.SessionID(),
		ProtocolVersion: sess.ProtocolVersion(),
		Sampling:        sess.Capabilities().Sampling,
	}
}

// handleDeleteMCP handles the DELETE /mcp endpoint, which terminates an
// existing session. Host-side state is removed and the session deleted hooks
// run before the 204 is written.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sess := h.loadSession(ctx, w, r, nil, http.StatusPreconditionFailed)
	if sess == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sess))

	if err := h.eng.DeleteSession(ctx, sess); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if sess.ProtocolVersion() != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP handles the POST /mcp endpoint, which is used by the client to send
// MCP messages to the server and to establish a session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initializeSession(ctx, w, &msg, start)
		return
	}

	req := msg.AsRequest()
	if req != nil && req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	if req != nil && !req.ID.IsNil() {
		h.serveRequest(ctx, w, r, req, start)
		return
	}

	sess := h.loadSession(ctx, w, r, nil, http.StatusBadRequest)
	if sess == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sess))

	if req != nil {
		if err := h.eng.HandleNotification(ctx, sess, req); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		if spv := sess.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if res := msg.AsResponse(); res != nil {
		if err := h.eng.HandleClientResponse(ctx, sess, res); err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				w.WriteHeader(http.StatusNotFound)
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
			h.log.ErrorContext(ctx, "response.forward.fail", slog.String("err", err.Error()))
			return
		}
		if spv := sess.ProtocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	writeJSONError(w, http.StatusBadRequest, "unrecognized JSON-RPC message")
	h.log.WarnContext(ctx, "jsonrpc.message.unrecognized", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) initializeSession(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}
	sess, initRes, err := h.eng.InitializeSession(ctx, &initReq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, sessionData(sess))

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	if v := initRes.ProtocolVersion; v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// serveRequest answers a client request on an SSE response. Server-initiated
// requests raised while handling it (sampling) are written to the same
// stream ahead of the final response.
func (h *StreamingHTTPHandler) serveRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, start time.Time) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	stream := &eventStream{sess: sseSess, ctx: r.Context()}
	sessID := r.Header.Get(mcpSessionIDHeader)

	writer := engine.NewMessageWriterFunc(func(dwCtx context.Context, msg jsonrpc.Message) error {
		// Written without an event ID: this bypasses the session's message
		// queue, so a frame lost after the flush cannot be replayed.
		if err := stream.send("", msg); err != nil {
			if _, pubErr := h.eng.PublishToSession(dwCtx, sessID, msg); pubErr != nil {
				return fmt.Errorf("direct write failed: %v; fallback publish failed: %v", err, pubErr)
			}
		}
		return nil
	})

	sess := h.loadSession(ctx, w, r, writer, http.StatusBadRequest)
	if sess == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sess))
	h.log.DebugContext(ctx, "session.load.ok")

	setStreamHeaders(w, sess.ProtocolVersion())
	if err := stream.open(); err != nil {
		h.log.ErrorContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := stream.send("", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP handles the GET /mcp endpoint, which is used to consume messages
// from an established session.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	stream := &eventStream{sess: sseSess, ctx: ctx}

	sess := h.loadSession(ctx, w, r, nil, http.StatusPreconditionFailed)
	if sess == nil {
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sess))

	lastEventID := ""
	if sseSess.LastEventID.IsSet() {
		lastEventID = sseSess.LastEventID.String()
	}

	setStreamHeaders(w, sess.ProtocolVersion())
	if err := stream.open(); err != nil {
		h.log.ErrorContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	if err := h.eng.StreamSession(ctx, sess, lastEventID, func(cbCtx context.Context, msgID string, payload []byte) error {
		if err := stream.send(msgID, payload); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			h.log.InfoContext(ctx, "subscribe.session.done")
		} else {
			h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
		}
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}
