package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-ping-server/catalog"
	"github.com/ggoodman/mcp-ping-server/interceptor"
	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/ggoodman/mcp-ping-server/sessions/memoryhost"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	h      *Handler
	stdinW *io.PipeWriter
	served chan error
	outMu  sync.Mutex
	lines  []string
}

var defaultProtocolVersion = mcp.LatestProtocolVersion

func defaultInitializeRequest(sampling bool) mcp.InitializeRequest {
	req := mcp.InitializeRequest{
		ProtocolVersion: defaultProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
	if sampling {
		req.Capabilities.Sampling = &struct{}{}
	}
	return req
}

func catalogServer() mcpservice.ServerCapabilities {
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "stdio-test", Version: "0.0.1"}),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(catalog.Default().Tools()...)),
	)
}

// newHarness wires the handler to in-memory pipes. setup runs after the
// handler is built and before Serve starts.
func newHarness(t *testing.T, srv mcpservice.ServerCapabilities, setup func(h *Handler), opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv, append([]Option{WithIO(inR, outW), WithLogger(slog.Default())}, opts...)...)
	if setup != nil {
		setup(h)
	}

	th := &testHarness{t: t, h: h, stdinW: inW, served: make(chan error, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		th.served <- h.Serve(ctx)
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-th.served:
		case <-time.After(2 * time.Second):
			cancel()
		}
		cancel()
		_ = outW.Close()
	})
	return th
}

// send writes a JSON-RPC message (as marshalled JSON + newline) to stdin.
func (th *testHarness) send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := th.stdinW.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		return nil, err
	}
	if any.Type() != "response" {
		return nil, fmt.Errorf("expected response, got %s: %s", any.Type(), line)
	}
	return any.AsResponse(), nil
}

func (th *testHarness) expectRequest(timeout time.Duration) (*jsonrpc.Request, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		return nil, err
	}
	if any.Type() != "request" {
		return nil, fmt.Errorf("expected request, got %s: %s", any.Type(), line)
	}
	return any.AsRequest(), nil
}

func (th *testHarness) initialize(t *testing.T, id string, req mcp.InitializeRequest) *mcp.InitializeResult {
	t.Helper()

	if err := th.send(mustRequest(t, id, mcp.InitializeMethod, req)); err != nil {
		t.Fatalf("send initialize: %v", err)
	}

	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}

	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	if err := th.send(note); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
	return &initRes
}

func TestInitialize_HappyPath(t *testing.T) {
	th := newHarness(t, catalogServer(), nil)

	res := th.initialize(t, "init-1", defaultInitializeRequest(false))
	if want, got := defaultProtocolVersion, res.ProtocolVersion; want != got {
		t.Fatalf("expected protocol version %q, got %q", want, got)
	}
	if want, got := "stdio-test", res.ServerInfo.Name; want != got {
		t.Fatalf("expected server name %q, got %q", want, got)
	}
	if res.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}

	t.Run("second initialize is rejected", func(t *testing.T) {
		if err := th.send(mustRequest(t, "init-2", mcp.InitializeMethod, defaultInitializeRequest(false))); err != nil {
			t.Fatal(err)
		}
		res, err := th.expectResponse(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("expected invalid request error, got %+v", res)
		}
	})
}

func TestBeforeInitialize(t *testing.T) {
	th := newHarness(t, catalogServer(), nil)

	if err := th.send(mustRequest(t, "p", mcp.PingMethod, struct{}{})); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("expected ping to succeed before initialize, got %+v", res.Error)
	}

	if err := th.send(mustRequest(t, "l", mcp.ToolsListMethod, mcp.ListToolsRequest{})); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", res)
	}
}

func TestParseError(t *testing.T) {
	th := newHarness(t, catalogServer(), nil)

	if _, err := th.stdinW.Write([]byte("{not json\n")); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}
}

func TestTools_ListAndCall(t *testing.T) {
	th := newHarness(t, catalogServer(), nil)
	_ = th.initialize(t, "init-1", defaultInitializeRequest(false))

	if err := th.send(mustRequest(t, "1", mcp.ToolsListMethod, mcp.ListToolsRequest{})); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	if !names[catalog.GetPeopleTool] || !names[catalog.GetPersonByIDTool] {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	if err := th.send(mustRequest(t, "2", mcp.ToolsCallMethod, map[string]any{
		"name":      catalog.GetPersonByIDTool,
		"arguments": map[string]any{"id": 1},
	})); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var call mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &call); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.IsError || len(call.Content) != 1 || !strings.Contains(call.Content[0].Text, "Sean Carroll") {
		t.Fatalf("unexpected call result: %+v", call)
	}
}

func TestCancellation_ToolsCall(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	var startOnce, cancelOnce sync.Once
	slow := mcpservice.StaticTool{
		Descriptor: mcp.Tool{Name: "slow", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			startOnce.Do(func() { close(started) })
			<-ctx.Done()
			cancelOnce.Do(func() { close(cancelled) })
			return nil, ctx.Err()
		},
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(slow)))
	th := newHarness(t, srv, nil)
	_ = th.initialize(t, "init-1", defaultInitializeRequest(false))

	rid := "42"
	if err := th.send(mustRequest(t, rid, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{Name: "slow"})); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("tool did not start")
	}

	cancelNote := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.CancelledNotificationMethod)}
	cancelNote.Params = mustJSON(t, map[string]any{"requestId": rid, "reason": "test"})
	if err := th.send(cancelNote); err != nil {
		t.Fatal(err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("tool context was not cancelled")
	}

	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect cancellation response: %v", err)
	}
	if res.Error == nil {
		t.Fatalf("expected error response, got: %+v", res)
	}
}

func TestSampling_OncePerSession(t *testing.T) {
	host := memoryhost.New()
	th := newHarness(t, catalogServer(), func(h *Handler) {
		if _, err := interceptor.Install(h.Handlers(), interceptor.WithRegistry(host), interceptor.WithTimeout(2*time.Second)); err != nil {
			t.Fatalf("install: %v", err)
		}
	}, WithSessionHost(host))
	_ = th.initialize(t, "init-1", defaultInitializeRequest(true))

	if err := th.send(mustRequest(t, "1", mcp.ToolsListMethod, mcp.ListToolsRequest{})); err != nil {
		t.Fatal(err)
	}

	samplingReq, err := th.expectRequest(time.Second)
	if err != nil {
		t.Fatalf("expect sampling request: %v", err)
	}
	if want, got := string(mcp.SamplingCreateMessageMethod), samplingReq.Method; want != got {
		t.Fatalf("expected method %q, got %q", want, got)
	}
	var params mcp.CreateMessageRequest
	if err := json.Unmarshal(samplingReq.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(params.Messages) != 1 || !strings.HasPrefix(params.Messages[0].Content.Text, "Ping: ") {
		t.Fatalf("unexpected sampling params: %+v", params)
	}

	reply := &jsonrpc.Response{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		ID:             samplingReq.ID,
		Result: mustJSON(t, mcp.CreateMessageResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: "pong"},
			Model:   "test-model",
		}),
	}
	if err := th.send(reply); err != nil {
		t.Fatal(err)
	}

	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect tools/list response: %v", err)
	}
	if want, got := "1", res.ID.String(); want != got {
		t.Fatalf("expected response id %q, got %q", want, got)
	}

	if err := th.send(mustRequest(t, "2", mcp.ToolsListMethod, mcp.ListToolsRequest{})); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expected the second listing to skip sampling: %v", err)
	}
	if want, got := "2", res.ID.String(); want != got {
		t.Fatalf("expected response id %q, got %q", want, got)
	}
}

func TestServe_EOFDeletesSession(t *testing.T) {
	deleted := make(chan string, 1)
	th := newHarness(t, catalogServer(), nil, WithSessionDeletedHook(func(ctx context.Context, sessionID string) {
		deleted <- sessionID
	}))
	_ = th.initialize(t, "init-1", defaultInitializeRequest(false))
	sessID := th.h.sessionID()
	if sessID == "" {
		t.Fatalf("expected an implicit session")
	}

	_ = th.stdinW.Close()

	select {
	case err := <-th.served:
		th.served <- err
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after EOF")
	}

	select {
	case got := <-deleted:
		if got != sessID {
			t.Fatalf("expected hook for %q, got %q", sessID, got)
		}
	default:
		t.Fatalf("expected session deleted hook to run")
	}

	if err := th.h.Serve(context.Background()); err != ErrAlreadyServed {
		t.Fatalf("expected ErrAlreadyServed, got %v", err)
	}
}

func mustRequest(t *testing.T, id string, method mcp.Method, params any) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
