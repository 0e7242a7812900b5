package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/internal/logctx"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL         = 1 * time.Hour
	defaultSessionMaxLifetime = 24 * time.Hour
	defaultAwaitTTL           = 1 * time.Minute
)

var (
	ErrCancelled = errors.New("operation cancelled")
	ErrInternal  = errors.New("internal error")
)

// SessionDeletedHook observes explicit session teardown. Hooks run after the
// host has dropped the session and must not block for long.
type SessionDeletedHook func(ctx context.Context, sessionID string)

// Engine is the core of an MCP server, coordinating sessions, message routing,
// and protocol handling. It is protocol-agnostic and can be used with different
// transport layers (e.g., HTTP, stdio).
//
// Requests are routed through a dispatch.Table that callers may decorate via
// Table() until the first request is dispatched.
type Engine struct {
	host  sessions.SessionHost
	srv   mcpservice.ServerCapabilities
	log   *slog.Logger
	table *dispatch.Table
	seal  sync.Once

	// session config
	sessionTTL         time.Duration
	sessionMaxLifetime time.Duration
	handshakeTTL       time.Duration
	awaitTTL           time.Duration

	deletedHooks []SessionDeletedHook

	// tool call tracking, keyed by session ID and request ID
	toolCtxMu      sync.Mutex
	toolCtxCancels map[string]context.CancelCauseFunc
}

func NewEngine(host sessions.SessionHost, srv mcpservice.ServerCapabilities, opts ...EngineOption) *Engine {
	e := &Engine{
		host:               host,
		srv:                srv,
		log:                slog.Default(),
		table:              dispatch.NewTable(),
		sessionTTL:         defaultSessionTTL,
		sessionMaxLifetime: defaultSessionMaxLifetime,
		handshakeTTL:       30 * time.Second,
		awaitTTL:           defaultAwaitTTL,
		toolCtxCancels:     make(map[string]context.CancelCauseFunc),
	}

	// Apply options (order matters; later options override earlier ones).
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	// The table is fresh and unsealed, so registration cannot fail.
	_ = e.table.Handle(string(mcp.PingMethod), e.handlePing)
	_ = e.table.Handle(string(mcp.ToolsListMethod), e.handleToolsList)
	_ = e.table.Handle(string(mcp.ToolsCallMethod), e.handleToolCall)
	_ = e.table.Handle(string(mcp.InitializedNotificationMethod), e.handleInitialized)
	_ = e.table.Handle(string(mcp.CancelledNotificationMethod), e.handleCancelled)

	return e
}

// EngineOption configures a Engine.
type EngineOption func(*Engine)

// WithSessionTTL overrides the sliding TTL used for sessions.
func WithSessionTTL(d time.Duration) EngineOption { return func(m *Engine) { m.sessionTTL = d } }

// WithSessionMaxLifetime sets an absolute maximum lifetime horizon (0 = disabled).
func WithSessionMaxLifetime(d time.Duration) EngineOption {
	return func(m *Engine) { m.sessionMaxLifetime = d }
}

// WithHandshakeTTL sets the TTL for a pending session awaiting the client's
// notifications/initialized message. Default is 30s.
func WithHandshakeTTL(d time.Duration) EngineOption {
	return func(m *Engine) {
		if d > 0 {
			m.handshakeTTL = d
		}
	}
}

// WithAwaitTTL caps how long a server-initiated request waits for the client
// when the caller's context carries no earlier deadline. Default is 1m.
func WithAwaitTTL(d time.Duration) EngineOption {
	return func(m *Engine) {
		if d > 0 {
			m.awaitTTL = d
		}
	}
}

// WithSessionDeletedHook registers fn to run after DeleteSession succeeds.
func WithSessionDeletedHook(fn SessionDeletedHook) EngineOption {
	return func(m *Engine) {
		if fn != nil {
			m.deletedHooks = append(m.deletedHooks, fn)
		}
	}
}

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(m *Engine) {
		if l != nil {
			m.log = l
		}
	}
}

// Table exposes the dispatch table so callers can decorate handlers before
// traffic starts. The table is sealed on the first dispatched message.
func (e *Engine) Table() *dispatch.Table {
	return e.table
}

// InitializeSession handles the MCP initialize handshake, creating a session record,
// capturing the client's capabilities, and returning the InitializeResult payload alongside
// a session handle for subsequent requests.
func (e *Engine) InitializeSession(ctx context.Context, req *mcp.InitializeRequest) (*SessionHandle, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("initialize request required")
	}

	negotiatedVersion := req.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(negotiatedVersion) {
		negotiatedVersion = mcp.LatestProtocolVersion
	}
	if v, ok, err := e.srv.GetPreferredProtocolVersion(ctx); err != nil {
		return nil, nil, fmt.Errorf("get preferred protocol version: %w", err)
	} else if ok && v != "" {
		negotiatedVersion = v
	}

	capSet := sessions.CapabilitySet{}
	if req.Capabilities.Sampling != nil {
		capSet.Sampling = true
	}
	if req.Capabilities.Roots != nil {
		capSet.Roots = true
		capSet.RootsListChanged = req.Capabilities.Roots.ListChanged
	}
	if req.Capabilities.Elicitation != nil {
		capSet.Elicitation = true
	}

	meta := sessions.MetadataClientInfo{
		Name:    req.ClientInfo.Name,
		Version: req.ClientInfo.Version,
	}

	sess, err := e.createSession(ctx, negotiatedVersion, capSet, meta)
	if err != nil {
		return nil, nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = e.host.DeleteSession(context.WithoutCancel(ctx), sess.SessionID())
		}
	}()

	serverInfo, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		return nil, nil, fmt.Errorf("get server info: %w", err)
	}

	initRes := &mcp.InitializeResult{
		ProtocolVersion: negotiatedVersion,
		Capabilities:    mcp.ServerCapabilities{},
		ServerInfo:      serverInfo,
	}

	if instr, ok, err := e.srv.GetInstructions(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get instructions: %w", err)
	} else if ok {
		initRes.Instructions = instr
	}

	if toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("get tools capability: %w", err)
	} else if ok && toolsCap != nil {
		initRes.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	cleanup = false

	return sess, initRes, nil
}

// HandleRequest routes a client request through the dispatch table. Handler
// errors are logged and reported to the client as internal errors.
func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	e.seal.Do(e.table.Seal)

	res, err := e.table.Dispatch(ctx, sess, req)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if res == nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("method", req.Method), slog.String("err", "nil response"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	return res, nil
}

// HandleNotification routes a client notification through the dispatch table.
// Unknown notifications are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, note *jsonrpc.Request) error {
	e.seal.Do(e.table.Seal)

	if _, err := e.table.Dispatch(ctx, sess, note); err != nil {
		e.log.ErrorContext(ctx, "engine.handle_notification.err", slog.String("method", note.Method), slog.String("err", err.Error()))
		return err
	}

	e.log.DebugContext(ctx, "engine.handle_notification.ok", slog.String("method", note.Method))
	return nil
}

func (e *Engine) handlePing(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleToolsList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	page, err := cap.ListTools(ctx, sess, cursor)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	result := &mcp.ListToolsResult{
		Tools: page.Items,
	}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(page.Items)))

	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	// Track the call so that a notifications/cancelled for the same request
	// can cancel the tool's context.
	key := sess.SessionID() + "/" + req.ID.String()

	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	e.toolCtxMu.Lock()
	if _, exists := e.toolCtxCancels[key]; exists {
		e.toolCtxMu.Unlock()
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "duplicate request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil), nil
	}
	e.toolCtxCancels[key] = toolCancel
	e.toolCtxMu.Unlock()

	defer func() {
		e.toolCtxMu.Lock()
		delete(e.toolCtxCancels, key)
		e.toolCtxMu.Unlock()
	}()

	res, err := cap.CallTool(toolCtx, sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil), nil
		}
		// If the tool was cancelled, surface a JSON-RPC error to the client quickly.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Bool("is_error", res.IsError))

	return jsonrpc.NewResultResponse(req.ID, res)
}

// handleInitialized promotes a pending session to the regular sliding TTL.
func (e *Engine) handleInitialized(ctx context.Context, sess sessions.Session, note *jsonrpc.Request) (*jsonrpc.Response, error) {
	meta, err := e.host.GetSession(ctx, sess.SessionID())
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if meta.Initialized {
		return nil, nil
	}
	now := time.Now().UTC()
	meta.Initialized = true
	meta.TTL = e.sessionTTL
	meta.UpdatedAt = now
	meta.LastAccess = now
	if err := e.host.UpdateSession(ctx, meta); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	e.log.InfoContext(ctx, "engine.session.initialized")
	return nil, nil
}

func (e *Engine) handleCancelled(ctx context.Context, sess sessions.Session, note *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(note.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
		return nil, nil
	}
	var rid jsonrpc.RequestID
	if err := json.Unmarshal(params.RequestID, &rid); err != nil || rid.IsNil() {
		e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", "missing request id"))
		return nil, nil
	}
	hadCancel := e.cancelInFlightRequest(sess.SessionID()+"/"+rid.String(), params.Reason)
	e.log.InfoContext(ctx, "engine.handle_notification.cancel", slog.String("request_id", rid.String()), slog.Bool("had_cancel", hadCancel))
	return nil, nil
}

func (e *Engine) createSession(ctx context.Context, protocolVersion string, caps sessions.CapabilitySet, meta sessions.MetadataClientInfo) (*SessionHandle, error) {
	start := time.Now()
	sid := uuid.NewString()
	now := time.Now().UTC()
	metaRec := &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       sid,
		ProtocolVersion: protocolVersion,
		Client:          meta,
		Capabilities:    caps,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             e.handshakeTTL,
		MaxLifetime:     e.sessionMaxLifetime,
	}
	if err := e.host.CreateSession(ctx, metaRec); err != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid})
		e.log.ErrorContext(ctx, "engine.create_session.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := NewSessionHandle(metaRec)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		ProtocolVersion: sess.ProtocolVersion(),
		Sampling:        caps.Sampling,
	})

	e.log.InfoContext(ctx, "engine.create_session.ok", slog.Duration("dur", time.Since(start)))

	return sess, nil
}

// LoadSession retrieves and validates session metadata, returning a handle.
// It also performs a best-effort TTL touch. If a writer is provided and the
// client negotiated sampling, the handle carries a sampling capability that
// writes server-initiated requests through it.
func (e *Engine) LoadSession(ctx context.Context, sessID string, requestScopedWriter MessageWriter) (*SessionHandle, error) {
	start := time.Now()
	metaRec, err := e.host.GetSession(ctx, sessID)
	if err != nil {
		e.log.InfoContext(ctx, "engine.load_session.fail", slog.String("err", err.Error()))
		return nil, err
	}
	if metaRec.Expired(time.Now().UTC()) {
		e.log.InfoContext(ctx, "engine.load_session.expired")
		_ = e.host.DeleteSession(context.WithoutCancel(ctx), sessID)
		e.runDeletedHooks(ctx, sessID)
		return nil, sessions.ErrSessionNotFound
	}
	// Best-effort sliding TTL touch.
	_ = e.host.TouchSession(ctx, sessID)

	e.log.DebugContext(ctx, "engine.load_session.ok", slog.Duration("dur", time.Since(start)))

	opts := []SessionHandleOption{}

	if requestScopedWriter != nil && metaRec.Capabilities.Sampling {
		opts = append(opts, WithSamplingCapability(&samplingCapability{
			eng:                 e,
			log:                 e.log.With(slog.String("capability", "sampling")),
			sessID:              sessID,
			requestScopedWriter: requestScopedWriter,
		}))
	}

	return NewSessionHandle(metaRec, opts...), nil
}

func (e *Engine) cancelInFlightRequest(key string, reason string) bool {
	e.toolCtxMu.Lock()
	cancel, exists := e.toolCtxCancels[key]
	e.toolCtxMu.Unlock()

	if !exists || cancel == nil {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
	return true
}

// StreamSession subscribes the caller to the per-session client-facing stream
// starting after lastEventID.
func (e *Engine) StreamSession(ctx context.Context, sess *SessionHandle, lastEventID string, handler sessions.MessageHandlerFunction) error {
	return e.host.SubscribeSession(ctx, sess.SessionID(), lastEventID, handler)
}

// HandleClientResponse forwards a client JSON-RPC response to the request
// awaiting it. The host rendezvous lets any instance satisfy the waiter,
// regardless of where the response was received. Unmatched responses are
// dropped.
func (e *Engine) HandleClientResponse(ctx context.Context, sess *SessionHandle, res *jsonrpc.Response) error {
	if res == nil || res.ID == nil || res.ID.IsNil() {
		return fmt.Errorf("invalid response: missing id")
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	ok, err := e.host.Fulfill(ctx, sess.SessionID(), res.ID.String(), payload)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.client_response.fail", slog.String("err", err.Error()))
		return fmt.Errorf("fulfill: %w", err)
	}
	if !ok {
		e.log.InfoContext(ctx, "engine.client_response.unmatched", slog.String("response_id", res.ID.String()))
	}
	return nil
}

// DeleteSession deletes the session from the host and then notifies the
// registered SessionDeletedHooks.
func (e *Engine) DeleteSession(ctx context.Context, sess *SessionHandle) error {
	if err := e.host.DeleteSession(ctx, sess.SessionID()); err != nil {
		e.log.ErrorContext(ctx, "engine.delete_session.err", slog.String("err", err.Error()))
		return fmt.Errorf("error deleting session: %w", err)
	}

	e.runDeletedHooks(ctx, sess.SessionID())
	e.log.InfoContext(ctx, "engine.delete_session.ok")
	return nil
}

func (e *Engine) runDeletedHooks(ctx context.Context, sessID string) {
	hctx := context.WithoutCancel(ctx)
	for _, fn := range e.deletedHooks {
		fn(hctx, sessID)
	}
}

// PublishToSession appends a JSON-RPC message to the per-session
// client-facing stream. Returns the assigned event ID.
func (e *Engine) PublishToSession(ctx context.Context, sessID string, msg jsonrpc.Message) (string, error) {
	if _, err := e.host.GetSession(ctx, sessID); err != nil {
		return "", sessions.ErrSessionNotFound
	}
	evtID, err := e.host.PublishSession(ctx, sessID, msg)
	if err != nil {
		return "", fmt.Errorf("publish session: %w", err)
	}
	return evtID, nil
}
