package sessions

import "context"

// Registry is a concurrency-safe set of session IDs that have already been
// through a one-time action.
//
// MarkSeen performs a single atomic check-and-set and returns true only for
// the call that moves sessionID from absent to present. Every later call, and
// every concurrent loser, observes false. HasSeen reports membership; unknown
// IDs are simply not seen. Forget drops an entry once its session is torn
// down. Callers never Forget a live session.
type Registry interface {
	HasSeen(ctx context.Context, sessionID string) (bool, error)
	MarkSeen(ctx context.Context, sessionID string) (bool, error)
	Forget(ctx context.Context, sessionID string) error
}
