package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by CreateSession for a duplicate session ID.
	ErrSessionExists = errors.New("session already exists")
)

// --- Per-request rendezvous (distributed await/fulfill) ---

// Awaiter provides a one-shot receive for a specific (sessionID, correlationID)
// tuple that represents the outcome of a single in-flight request. Only one
// awaiter may be registered per key at a time.
//
// Semantics:
//   - Recv blocks until the request is fulfilled, canceled, or the context ends.
//   - Cancel makes any current or future Recv return ErrAwaitCanceled.
//   - BeginAwait happens-before the corresponding send of the outbound
//     request, so that a later Fulfill cannot race ahead.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}

var (
	// ErrAwaitExists indicates there is already a waiter for the key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Recv when the await was canceled or the
	// session cleaned up.
	ErrAwaitCanceled = errors.New("await canceled")
)

// SessionHost is the contract the engine needs the host to provide. It
// combines session metadata, per-session ordered messaging and a rendezvous
// for server-initiated requests, and works across in-memory and distributed
// implementations.
type SessionHost interface {
	// Metadata: sliding TTL taken from SessionMetadata.TTL.
	CreateSession(ctx context.Context, meta *SessionMetadata) error
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// UpdateSession replaces the stored metadata of an existing session.
	UpdateSession(ctx context.Context, meta *SessionMetadata) error
	TouchSession(ctx context.Context, sessionID string) error
	// DeleteSession removes metadata, the message log and pending awaits.
	// Deleting an unknown session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// Messaging: ordered per session ID with resume via lastEventID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error

	// Rendezvous: single-consumer, drop-if-nobody-cares delivery.
	// BeginAwait registers a waiter for a specific correlationID under the
	// session, with a TTL for automatic cleanup. Exactly one waiter may exist
	// for a given key. Must be visible to other instances before returning.
	BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (Awaiter, error)
	// Fulfill delivers a response to a registered waiter, returning true if the
	// waiter received it. If there is no waiter (expired/canceled/not created),
	// return false without error.
	Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (delivered bool, err error)
}
