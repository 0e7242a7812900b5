// Package redishost implements sessions.SessionHost and sessions.Registry
// using Redis primitives (Streams + simple keys) to support horizontally
// scalable MCP deployments.
//
// Design Notes
//   - Metadata: JSON blob at "<prefix>meta:<id>" with a sliding EXPIRE
//   - Session streams: XADD + XREAD polling; at-least-once
//   - Rendezvous: SET NX await marker, Lua fulfil into a reply list, BLPOP
//   - Seen registry: SET NX EX; the key outlives the session by at most
//     the configured seen TTL
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{RedisAddr: "localhost:6379"})
//	defer host.Close()
//
// Use memoryhost for ephemeral development; use redishost where scale-out or
// restart persistence is required.
package redishost
