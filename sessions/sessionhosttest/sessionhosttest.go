// Package sessionhosttest holds a conformance suite shared by every
// sessions.SessionHost and sessions.Registry implementation.
package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RegistryFactory creates a new, empty Registry instance for testing.
type RegistryFactory func(t *testing.T) sessions.Registry

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Metadata_CreateGetDelete", func(t *testing.T) { testMetadataCreateGetDelete(t, factory) })
	t.Run("Metadata_DuplicateCreateFails", func(t *testing.T) { testMetadataDuplicateCreate(t, factory) })
	t.Run("Metadata_UpdateAndTouch", func(t *testing.T) { testMetadataUpdateAndTouch(t, factory) })
	t.Run("Metadata_UnknownSession", func(t *testing.T) { testMetadataUnknownSession(t, factory) })

	t.Run("Messaging_PublishAndSubscribeFromBeginning", func(t *testing.T) { testPublishAndSubscribeFromBeginning(t, factory) })
	t.Run("Messaging_PublishAndResumeFromLastEventID", func(t *testing.T) { testPublishAndSubscribeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })

	t.Run("Rendezvous_FulfillDeliversOnce", func(t *testing.T) { testRendezvousFulfill(t, factory) })
	t.Run("Rendezvous_FulfillWithoutWaiter", func(t *testing.T) { testRendezvousNoWaiter(t, factory) })
	t.Run("Rendezvous_DuplicateAwaitRejected", func(t *testing.T) { testRendezvousDuplicate(t, factory) })
	t.Run("Rendezvous_CancelUnblocksRecv", func(t *testing.T) { testRendezvousCancel(t, factory) })
	t.Run("Rendezvous_ContextEndsRecv", func(t *testing.T) { testRendezvousContext(t, factory) })
}

// RunRegistryTests runs the Registry test suite against the provided factory.
func RunRegistryTests(t *testing.T, factory RegistryFactory) {
	t.Run("Registry_FirstMarkWins", func(t *testing.T) { testRegistryFirstMarkWins(t, factory) })
	t.Run("Registry_UnknownIsNotSeen", func(t *testing.T) { testRegistryUnknown(t, factory) })
	t.Run("Registry_ConcurrentMarkExactlyOnce", func(t *testing.T) { testRegistryConcurrentMark(t, factory) })
	t.Run("Registry_ForgetAllowsRemark", func(t *testing.T) { testRegistryForget(t, factory) })
	t.Run("Registry_SessionsAreIndependent", func(t *testing.T) { testRegistryIndependent(t, factory) })
}

func newMeta(id string) *sessions.SessionMetadata {
	now := time.Now().UTC()
	return &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       id,
		ProtocolVersion: mcp.LatestProtocolVersion,
		Client:          sessions.MetadataClientInfo{Name: "conformance", Version: "1.0.0"},
		Capabilities:    sessions.CapabilitySet{Sampling: true},
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             time.Minute,
	}
}

func samplingRequest(t *testing.T, id int) []byte {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(mcp.SamplingCreateMessageMethod), &mcp.CreateMessageRequest{
		Messages: []mcp.SamplingMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: fmt.Sprintf("Ping: %d", id)},
		}},
		ModelPreferences: &mcp.ModelPreferences{},
		MaxTokens:        100,
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return b
}

// --- Metadata tests ---

func testMetadataCreateGetDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("meta-1")
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := h.GetSession(ctx, "meta-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != meta.SessionID || got.ProtocolVersion != meta.ProtocolVersion {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if !got.Capabilities.Sampling {
		t.Fatalf("expected sampling capability to round trip")
	}
	if got.Client.Name != "conformance" {
		t.Fatalf("expected client name to round trip, got %q", got.Client.Name)
	}

	if err := h.DeleteSession(ctx, "meta-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.GetSession(ctx, "meta-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := h.DeleteSession(ctx, "meta-1"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func testMetadataDuplicateCreate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.CreateSession(ctx, newMeta("meta-dup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.CreateSession(ctx, newMeta("meta-dup")); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testMetadataUpdateAndTouch(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("meta-upd")
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta.Initialized = true
	if err := h.UpdateSession(ctx, meta); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.TouchSession(ctx, "meta-upd"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := h.GetSession(ctx, "meta-upd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Initialized {
		t.Fatalf("expected update to persist")
	}
}

func testMetadataUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if _, err := h.GetSession(ctx, "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("get: expected ErrSessionNotFound, got %v", err)
	}
	if err := h.TouchSession(ctx, "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("touch: expected ErrSessionNotFound, got %v", err)
	}
	if err := h.UpdateSession(ctx, newMeta("nope")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("update: expected ErrSessionNotFound, got %v", err)
	}
}

// --- Messaging tests ---

type received struct {
	mu  sync.Mutex
	ids []string
	raw [][]byte
}

func (r *received) add(id string, msg []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.raw = append(r.raw, append([]byte(nil), msg...))
	return len(r.ids)
}

func (r *received) snapshot() ([]string, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([][]byte(nil), r.raw...)
}

func testPublishAndSubscribeFromBeginning(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-1"
	if err := h.CreateSession(ctx, newMeta(sessionID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	var got received
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, msgID string, msg []byte) error {
			got.add(msgID, msg)
			cancel()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	evID, err := h.PublishSession(ctx, sessionID, samplingRequest(t, 1))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	ids, raw := got.snapshot()
	if len(ids) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ids))
	}
	if ids[0] != evID {
		t.Fatalf("expected event id %s, got %s", evID, ids[0])
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Method != string(mcp.SamplingCreateMessageMethod) {
		t.Fatalf("expected method %s, got %s", mcp.SamplingCreateMessageMethod, msg.Method)
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-2"
	if err := h.CreateSession(ctx, newMeta(sessionID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev1, err := h.PublishSession(ctx, sessionID, samplingRequest(t, 1))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	ev2, err := h.PublishSession(ctx, sessionID, samplingRequest(t, 2))
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	var got received
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, ev1, func(ctx context.Context, msgID string, msg []byte) error {
			got.add(msgID, msg)
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}

	ids, raw := got.snapshot()
	if len(ids) != 1 {
		t.Fatalf("expected 1 msg, got %d", len(ids))
	}
	if ids[0] != ev2 {
		t.Fatalf("expected id %s, got %s", ev2, ids[0])
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ID.String() != "2" {
		t.Fatalf("expected replayed request id 2, got %s", msg.ID.String())
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, s2 := "sess-3a", "sess-3b"
	for _, id := range []string{s1, s2} {
		if err := h.CreateSession(ctx, newMeta(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	var got1, got2 received
	ctx1, cancel1 := context.WithCancel(ctx)
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()

	d1 := make(chan error, 1)
	d2 := make(chan error, 1)
	go func() {
		d1 <- h.SubscribeSession(ctx1, s1, "", func(ctx context.Context, id string, msg []byte) error {
			got1.add(id, msg)
			cancel1()
			return nil
		})
	}()
	go func() {
		d2 <- h.SubscribeSession(ctx2, s2, "", func(ctx context.Context, id string, msg []byte) error {
			got2.add(id, msg)
			cancel2()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	ev1, err := h.PublishSession(ctx, s1, samplingRequest(t, 1))
	if err != nil {
		t.Fatalf("publish s1: %v", err)
	}
	ev2, err := h.PublishSession(ctx, s2, samplingRequest(t, 2))
	if err != nil {
		t.Fatalf("publish s2: %v", err)
	}

	for i, d := range []chan error{d1, d2} {
		select {
		case err := <-d:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("subscriber %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d timeout", i)
		}
	}

	ids1, _ := got1.snapshot()
	ids2, _ := got2.snapshot()
	if len(ids1) != 1 || ids1[0] != ev1 {
		t.Fatalf("session %s saw %v, want [%s]", s1, ids1, ev1)
	}
	if len(ids2) != 1 || ids2[0] != ev2 {
		t.Fatalf("session %s saw %v, want [%s]", s2, ids2, ev2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	sessionID := "sess-4"
	if err := h.CreateSession(ctx, newMeta(sessionID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-5"
	if err := h.CreateSession(ctx, newMeta(sessionID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	expectedErr := errors.New("handler error")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, "", func(ctx context.Context, id string, msg []byte) error { return expectedErr })
	}()
	time.Sleep(100 * time.Millisecond)
	if _, err := h.PublishSession(ctx, sessionID, samplingRequest(t, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, expectedErr) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

// --- Rendezvous tests ---

func testRendezvousFulfill(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newMeta("rv-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	aw, err := h.BeginAwait(ctx, "rv-1", "corr-1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}

	payload := []byte(`{"jsonrpc":"2.0","id":"corr-1","result":{"role":"assistant","content":{"type":"text","text":"Pong"},"model":"m"}}`)
	ok, err := h.Fulfill(ctx, "rv-1", "corr-1", payload)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if !ok {
		t.Fatalf("expected fulfill to deliver")
	}

	got, err := aw.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected payload: %s", got)
	}

	ok, err = h.Fulfill(ctx, "rv-1", "corr-1", payload)
	if err != nil {
		t.Fatalf("second fulfill: %v", err)
	}
	if ok {
		t.Fatalf("expected second fulfill to find no waiter")
	}
}

func testRendezvousNoWaiter(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	ok, err := h.Fulfill(ctx, "rv-none", "corr-x", []byte(`{}`))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if ok {
		t.Fatalf("expected no delivery without a waiter")
	}
}

func testRendezvousDuplicate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.CreateSession(ctx, newMeta("rv-2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	aw, err := h.BeginAwait(ctx, "rv-2", "corr-1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	defer func() { _ = aw.Cancel(ctx) }()

	if _, err := h.BeginAwait(ctx, "rv-2", "corr-1", time.Minute); !errors.Is(err, sessions.ErrAwaitExists) {
		t.Fatalf("expected ErrAwaitExists, got %v", err)
	}
}

func testRendezvousCancel(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.CreateSession(ctx, newMeta("rv-3")); err != nil {
		t.Fatalf("create: %v", err)
	}
	aw, err := h.BeginAwait(ctx, "rv-3", "corr-1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	if err := aw.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ok, err := h.Fulfill(ctx, "rv-3", "corr-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if ok {
		t.Fatalf("expected fulfill after cancel to find no waiter")
	}
}

func testRendezvousContext(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	if err := h.CreateSession(ctx, newMeta("rv-4")); err != nil {
		t.Fatalf("create: %v", err)
	}
	aw, err := h.BeginAwait(ctx, "rv-4", "corr-1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := aw.Recv(recvCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("recv did not honor context deadline")
	}
}

// --- Registry tests ---

func testRegistryFirstMarkWins(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx := context.Background()

	first, err := r.MarkSeen(ctx, "S1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !first {
		t.Fatalf("expected first MarkSeen to report true")
	}
	again, err := r.MarkSeen(ctx, "S1")
	if err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if again {
		t.Fatalf("expected second MarkSeen to report false")
	}
	seen, err := r.HasSeen(ctx, "S1")
	if err != nil {
		t.Fatalf("has seen: %v", err)
	}
	if !seen {
		t.Fatalf("expected S1 to be seen")
	}
}

func testRegistryUnknown(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	seen, err := r.HasSeen(context.Background(), "never-marked")
	if err != nil {
		t.Fatalf("has seen: %v", err)
	}
	if seen {
		t.Fatalf("expected unknown session to be unseen")
	}
}

func testRegistryConcurrentMark(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx := context.Background()

	const callers = 32
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			first, err := r.MarkSeen(ctx, "S3")
			if err != nil {
				t.Errorf("mark: %v", err)
				return
			}
			if first {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func testRegistryForget(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx := context.Background()

	if _, err := r.MarkSeen(ctx, "S4"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := r.Forget(ctx, "S4"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	seen, err := r.HasSeen(ctx, "S4")
	if err != nil {
		t.Fatalf("has seen: %v", err)
	}
	if seen {
		t.Fatalf("expected forgotten session to be unseen")
	}
	first, err := r.MarkSeen(ctx, "S4")
	if err != nil {
		t.Fatalf("mark after forget: %v", err)
	}
	if !first {
		t.Fatalf("expected MarkSeen after Forget to report true")
	}
	if err := r.Forget(ctx, "unknown"); err != nil {
		t.Fatalf("forget unknown: %v", err)
	}
}

func testRegistryIndependent(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx := context.Background()

	if _, err := r.MarkSeen(ctx, "A"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	seen, err := r.HasSeen(ctx, "B")
	if err != nil {
		t.Fatalf("has seen: %v", err)
	}
	if seen {
		t.Fatalf("marking A must not mark B")
	}
}
