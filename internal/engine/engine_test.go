package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcp/sampling"
	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/ggoodman/mcp-ping-server/sessions/memoryhost"
)

type echoArgs struct {
	Text string `json:"text"`
}

type blockArgs struct{}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *memoryhost.Host, chan struct{}) {
	t.Helper()
	started := make(chan struct{}, 1)
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			return w.AppendText(r.Args().Text)
		}, mcpservice.WithToolDescription("Echo the input text")),
		mcpservice.NewTool("block", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[blockArgs]) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "engine-test", Version: "1.0.0"}),
		mcpservice.WithToolsCapability(tools),
	)
	host := memoryhost.New()
	return NewEngine(host, srv, opts...), host, started
}

func initialize(t *testing.T, e *Engine, caps mcp.ClientCapabilities) (*SessionHandle, *mcp.InitializeResult) {
	t.Helper()
	sess, res, err := e.InitializeSession(context.Background(), &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "0.0.1"},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return sess, res
}

func mustRequest(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestInitializeSession(t *testing.T) {
	e, host, _ := newTestEngine(t)

	sess, res := initialize(t, e, mcp.ClientCapabilities{Sampling: &struct{}{}})

	if want, got := mcp.LatestProtocolVersion, res.ProtocolVersion; want != got {
		t.Fatalf("protocol version: want %q, got %q", want, got)
	}
	if res.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability to be advertised")
	}
	if want, got := "engine-test", res.ServerInfo.Name; want != got {
		t.Fatalf("server name: want %q, got %q", want, got)
	}
	if !sess.Capabilities().Sampling {
		t.Fatalf("expected sampling capability to be captured")
	}

	meta, err := host.GetSession(context.Background(), sess.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if meta.Initialized {
		t.Fatalf("session should be pending until notifications/initialized")
	}
}

func TestInitializeSessionUnknownVersionFallsBack(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, res, err := e.InitializeSession(context.Background(), &mcp.InitializeRequest{ProtocolVersion: "1999-01-01"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if want, got := mcp.LatestProtocolVersion, res.ProtocolVersion; want != got {
		t.Fatalf("protocol version: want %q, got %q", want, got)
	}
}

func TestInitializeSessionUsesHandshakeTTL(t *testing.T) {
	e, host, _ := newTestEngine(t, WithHandshakeTTL(3*time.Second))
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})

	meta, err := host.GetSession(context.Background(), sess.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if want, got := 3*time.Second, meta.TTL; want != got {
		t.Fatalf("ttl: want %v, got %v", want, got)
	}
}

func TestInitializedNotificationOpensSession(t *testing.T) {
	e, host, _ := newTestEngine(t, WithSessionTTL(time.Minute))
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})

	note := mustRequest(t, nil, string(mcp.InitializedNotificationMethod), nil)
	if err := e.HandleNotification(context.Background(), sess, note); err != nil {
		t.Fatalf("notification: %v", err)
	}

	meta, err := host.GetSession(context.Background(), sess.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !meta.Initialized {
		t.Fatalf("expected session to be initialized")
	}
	if want, got := time.Minute, meta.TTL; want != got {
		t.Fatalf("ttl: want %v, got %v", want, got)
	}
}

func TestHandleRequest(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		res, err := e.HandleRequest(ctx, sess, mustRequest(t, 1, string(mcp.PingMethod), nil))
		if err != nil {
			t.Fatalf("ping: %v", err)
		}
		if res.Error != nil {
			t.Fatalf("unexpected error: %v", res.Error)
		}
	})

	t.Run("tools/list", func(t *testing.T) {
		res, err := e.HandleRequest(ctx, sess, mustRequest(t, 2, string(mcp.ToolsListMethod), nil))
		if err != nil {
			t.Fatalf("tools/list: %v", err)
		}
		var out mcp.ListToolsResult
		if err := json.Unmarshal(res.Result, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := 2, len(out.Tools); want != got {
			t.Fatalf("tool count: want %d, got %d", want, got)
		}
		if want, got := "echo", out.Tools[0].Name; want != got {
			t.Fatalf("first tool: want %q, got %q", want, got)
		}
	})

	t.Run("tools/call", func(t *testing.T) {
		res, err := e.HandleRequest(ctx, sess, mustRequest(t, 3, string(mcp.ToolsCallMethod), map[string]any{
			"name":      "echo",
			"arguments": map[string]any{"text": "hello"},
		}))
		if err != nil {
			t.Fatalf("tools/call: %v", err)
		}
		var out mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Content) != 1 || out.Content[0].Text != "hello" {
			t.Fatalf("unexpected content: %+v", out.Content)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		res, err := e.HandleRequest(ctx, sess, mustRequest(t, 4, string(mcp.ToolsCallMethod), map[string]any{"name": "nope"}))
		if err != nil {
			t.Fatalf("tools/call: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", res.Error)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		res, err := e.HandleRequest(ctx, sess, mustRequest(t, 5, "resources/list", nil))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("expected method not found, got %+v", res.Error)
		}
	})
}

func TestTableSealedAfterFirstDispatch(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})

	passthrough := func(next dispatch.Handler) dispatch.Handler { return next }
	if err := e.Table().Use(string(mcp.ToolsListMethod), passthrough); err != nil {
		t.Fatalf("use before dispatch: %v", err)
	}

	if _, err := e.HandleRequest(context.Background(), sess, mustRequest(t, 1, string(mcp.PingMethod), nil)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := e.Table().Use(string(mcp.ToolsListMethod), passthrough); !errors.Is(err, dispatch.ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
}

func TestCancelledNotificationCancelsToolCall(t *testing.T) {
	e, _, started := newTestEngine(t)
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})
	ctx := context.Background()

	call := mustRequest(t, "call-1", string(mcp.ToolsCallMethod), map[string]any{"name": "block"})
	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := e.HandleRequest(ctx, sess, call)
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool did not start")
	}

	note := mustRequest(t, nil, string(mcp.CancelledNotificationMethod), map[string]any{"requestId": "call-1", "reason": "user abort"})
	if err := e.HandleNotification(ctx, sess, note); err != nil {
		t.Fatalf("cancel notification: %v", err)
	}

	select {
	case res := <-done:
		if res == nil || res.Error == nil {
			t.Fatalf("expected error response, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tool call was not cancelled")
	}
}

// clientLoop answers server-initiated requests written to the writer by
// feeding replies back through HandleClientResponse, the way a transport
// would after receiving the client's POST.
func clientLoop(t *testing.T, e *Engine, reply func(req *jsonrpc.Request) *jsonrpc.Response) (MessageWriter, *sync.WaitGroup, *[]*jsonrpc.Request) {
	t.Helper()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen []*jsonrpc.Request
	)
	w := MessageWriterFunc(func(ctx context.Context, msg jsonrpc.Message) error {
		var req jsonrpc.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, &req)
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := reply(&req)
			sess := &SessionHandle{sessionID: sessionIDFrom(ctx)}
			if err := e.HandleClientResponse(context.Background(), sess, res); err != nil {
				t.Errorf("client response: %v", err)
			}
		}()
		return nil
	})
	return w, &wg, &seen
}

type sessionIDKey struct{}

func sessionIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionIDKey{}).(string)
	return s
}

func TestSamplingRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	initSess, _ := initialize(t, e, mcp.ClientCapabilities{Sampling: &struct{}{}})
	ctx := context.WithValue(context.Background(), sessionIDKey{}, initSess.SessionID())

	w, wg, seen := clientLoop(t, e, func(req *jsonrpc.Request) *jsonrpc.Response {
		res, _ := jsonrpc.NewResultResponse(req.ID, &mcp.CreateMessageResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: "Pong"},
			Model:   "test-model",
		})
		return res
	})

	sess, err := e.LoadSession(ctx, initSess.SessionID(), w)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	samp, ok := sess.GetSamplingCapability()
	if !ok {
		t.Fatal("expected sampling capability")
	}

	res, err := samp.CreateMessage(ctx, sampling.NewCreateMessage([]mcp.SamplingMessage{sampling.UserText("Ping")}))
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	wg.Wait()

	if text, ok := sampling.Text(res); !ok || text != "Pong" {
		t.Fatalf("unexpected sampling result: %+v", res)
	}
	if want, got := 1, len(*seen); want != got {
		t.Fatalf("requests written: want %d, got %d", want, got)
	}
	if want, got := string(mcp.SamplingCreateMessageMethod), (*seen)[0].Method; want != got {
		t.Fatalf("method: want %q, got %q", want, got)
	}
}

func TestSamplingClientError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	initSess, _ := initialize(t, e, mcp.ClientCapabilities{Sampling: &struct{}{}})
	ctx := context.WithValue(context.Background(), sessionIDKey{}, initSess.SessionID())

	w, wg, _ := clientLoop(t, e, func(req *jsonrpc.Request) *jsonrpc.Response {
		return jsonrpc.NewErrorResponse(req.ID, -1, "user rejected sampling request", nil)
	})
	sess, err := e.LoadSession(ctx, initSess.SessionID(), w)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	samp, _ := sess.GetSamplingCapability()

	_, err = samp.CreateMessage(ctx, sampling.NewCreateMessage([]mcp.SamplingMessage{sampling.UserText("Ping")}))
	wg.Wait()

	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %v", err)
	}
	if want, got := "user rejected sampling request", rpcErr.Message; want != got {
		t.Fatalf("message: want %q, got %q", want, got)
	}
}

func TestSamplingTimesOutWithoutReply(t *testing.T) {
	e, _, _ := newTestEngine(t)
	initSess, _ := initialize(t, e, mcp.ClientCapabilities{Sampling: &struct{}{}})

	silent := MessageWriterFunc(func(ctx context.Context, msg jsonrpc.Message) error { return nil })
	sess, err := e.LoadSession(context.Background(), initSess.SessionID(), silent)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	samp, _ := sess.GetSamplingCapability()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := samp.CreateMessage(ctx, sampling.NewCreateMessage([]mcp.SamplingMessage{sampling.UserText("Ping")})); err == nil {
		t.Fatal("expected timeout")
	}
}

func TestNoSamplingCapabilityWithoutClientSupport(t *testing.T) {
	e, _, _ := newTestEngine(t)
	initSess, _ := initialize(t, e, mcp.ClientCapabilities{})

	w := MessageWriterFunc(func(ctx context.Context, msg jsonrpc.Message) error { return nil })
	sess, err := e.LoadSession(context.Background(), initSess.SessionID(), w)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if _, ok := sess.GetSamplingCapability(); ok {
		t.Fatal("sampling capability attached for a client that did not advertise it")
	}
}

func TestDeleteSessionRunsHooks(t *testing.T) {
	deleted := make(chan string, 1)
	e, host, _ := newTestEngine(t, WithSessionDeletedHook(func(ctx context.Context, id string) {
		deleted <- id
	}))
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})

	if err := e.DeleteSession(context.Background(), sess); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case id := <-deleted:
		if id != sess.SessionID() {
			t.Fatalf("hook saw %q, want %q", id, sess.SessionID())
		}
	default:
		t.Fatal("deleted hook not invoked")
	}
	if _, err := host.GetSession(context.Background(), sess.SessionID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	if _, err := e.LoadSession(context.Background(), sess.SessionID(), nil); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUnmatchedClientResponseIsDropped(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sess, _ := initialize(t, e, mcp.ClientCapabilities{})
	res, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("stray"), &mcp.EmptyResult{})
	if err := e.HandleClientResponse(context.Background(), sess, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
