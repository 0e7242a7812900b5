package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/jellydator/ttlcache/v3"
	"github.com/puzpuzpuz/xsync/v4"
)

// ExpiryHook is invoked after a session has been evicted because its sliding
// TTL lapsed. It is not invoked for explicit DeleteSession calls.
type ExpiryHook func(ctx context.Context, sessionID string)

// Option configures a Host.
type Option func(*Host)

// WithExpiryHook registers a hook that runs when a session expires.
func WithExpiryHook(hook ExpiryHook) Option {
	return func(h *Host) {
		if hook != nil {
			h.expiryHooks = append(h.expiryHooks, hook)
		}
	}
}

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	meta    *ttlcache.Cache[string, *sessions.SessionMetadata]
	streams *xsync.Map[string, *stream]
	seen    *xsync.Map[string, struct{}]
	counter atomic.Int64

	expiryHooks []ExpiryHook
}

// New creates an empty Host. Call Start to enable background expiry of idle
// sessions; without it expired sessions are still invisible to GetSession.
func New(opts ...Option) *Host {
	h := &Host{
		meta: ttlcache.New[string, *sessions.SessionMetadata](
			ttlcache.WithDisableTouchOnHit[string, *sessions.SessionMetadata](),
		),
		streams: xsync.NewMap[string, *stream](),
		seen:    xsync.NewMap[string, struct{}](),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.meta.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *sessions.SessionMetadata]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		id := item.Key()
		h.dropStream(id)
		for _, hook := range h.expiryHooks {
			hook(ctx, id)
		}
	})
	return h
}

// Start runs the expiry loop until Stop is called. It blocks.
func (h *Host) Start() { h.meta.Start() }

// Stop terminates the expiry loop started by Start.
func (h *Host) Stop() { h.meta.Stop() }

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("memoryhost: session metadata requires an id")
	}
	cp := *meta
	if _, loaded := h.meta.GetOrSet(meta.SessionID, &cp, ttlcache.WithTTL[string, *sessions.SessionMetadata](ttlOrDefault(meta.TTL))); loaded {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	item := h.meta.Get(sessionID)
	if item == nil || item.IsExpired() {
		return nil, sessions.ErrSessionNotFound
	}
	cp := *item.Value()
	return &cp, nil
}

func (h *Host) UpdateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil {
		return fmt.Errorf("memoryhost: nil session metadata")
	}
	if item := h.meta.Get(meta.SessionID); item == nil || item.IsExpired() {
		return sessions.ErrSessionNotFound
	}
	cp := *meta
	h.meta.Set(meta.SessionID, &cp, ttlOrDefault(meta.TTL))
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	item := h.meta.Get(sessionID)
	if item == nil || item.IsExpired() {
		return sessions.ErrSessionNotFound
	}
	h.meta.Touch(sessionID)
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.meta.Delete(sessionID)
	h.dropStream(sessionID)
	return nil
}

func ttlOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return ttlcache.NoTTL
	}
	return d
}

// --- Messaging ---

type message struct {
	id   string
	data []byte
}

type stream struct {
	mu       sync.Mutex
	messages []message
	// wake is closed and replaced on every publish.
	wake   chan struct{}
	closed bool
	awaits map[string]*awaitState
}

func newStream() *stream {
	return &stream{wake: make(chan struct{}), awaits: make(map[string]*awaitState)}
}

func (h *Host) ensureStream(sessionID string) *stream {
	s, _ := h.streams.LoadOrCompute(sessionID, func() (*stream, bool) {
		return newStream(), false
	})
	return s
}

func (h *Host) dropStream(sessionID string) {
	s, ok := h.streams.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.closed = true
	close(s.wake)
	for id, a := range s.awaits {
		a.cancelLocked()
		delete(s.awaits, id)
	}
	s.mu.Unlock()
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	s := h.ensureStream(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sessions.ErrSessionNotFound
	}
	s.messages = append(s.messages, message{id: evID, data: append([]byte(nil), data...)})
	close(s.wake)
	s.wake = make(chan struct{})
	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	s := h.ensureStream(sessionID)

	s.mu.Lock()
	next := len(s.messages)
	if lastEventID != "" {
		found := false
		for i := range s.messages {
			if s.messages[i].id == lastEventID {
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			s.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		pending := append([]message(nil), s.messages[next:]...)
		wake, closed := s.wake, s.closed
		s.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			next++
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// --- Await/Fulfill ---

type awaitState struct {
	ch   chan []byte
	done bool
}

func (a *awaitState) cancelLocked() {
	if !a.done {
		a.done = true
		close(a.ch)
	}
}

type awaiter struct {
	s             *stream
	st            *awaitState
	correlationID string
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		_ = a.Cancel(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	case data, ok := <-a.st.ch:
		if !ok {
			return nil, sessions.ErrAwaitCanceled
		}
		return data, nil
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if cur, ok := a.s.awaits[a.correlationID]; ok && cur == a.st {
		delete(a.s.awaits, a.correlationID)
	}
	a.st.cancelLocked()
	return nil
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	s := h.ensureStream(sessionID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, sessions.ErrSessionNotFound
	}
	if _, exists := s.awaits[correlationID]; exists {
		s.mu.Unlock()
		return nil, sessions.ErrAwaitExists
	}
	st := &awaitState{ch: make(chan []byte, 1)}
	s.awaits[correlationID] = st
	s.mu.Unlock()

	a := &awaiter{s: s, st: st, correlationID: correlationID}
	if ttl > 0 {
		time.AfterFunc(ttl, func() { _ = a.Cancel(context.Background()) })
	}
	return a, nil
}

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	s, ok := h.streams.Load(sessionID)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.awaits[correlationID]
	if !ok {
		return false, nil
	}
	delete(s.awaits, correlationID)
	if st.done {
		return false, nil
	}
	st.done = true
	st.ch <- append([]byte(nil), data...)
	close(st.ch)
	return true, nil
}

var _ sessions.SessionHost = (*Host)(nil)
