// Package memoryhost provides an in-memory sessions.SessionHost and
// sessions.Registry implementation suitable for tests, development, and
// single-process servers. All state is ephemeral and discarded on process
// exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal IDs per host
//	Event delivery    : ordered, at-least-once per subscriber
//	Expiry            : sliding TTL via ttlcache; expiry hooks fire on eviction
//	Concurrency       : safe (lock-free maps + per-stream mutex)
//
// Example:
//
//	host := memoryhost.New(memoryhost.WithExpiryHook(func(ctx context.Context, id string) {
//		_ = host.Forget(ctx, id)
//	}))
//	go host.Start()
//	defer host.Stop()
//
// For production multi-node deployments prefer a durable host like redishost.
package memoryhost
