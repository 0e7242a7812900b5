// Package sessions defines the session abstraction shared by the transports,
// the engine and request middleware. A session represents the negotiated
// protocol version and the client's declared capability surface for one
// connected client.
//
// Layers & Roles
//
//	Transport      -> orchestrates initialize handshake, manages lifetime
//	SessionHost    -> durability & coordination (metadata + ordered client stream + rendezvous)
//	Registry       -> per-session first-occurrence gate used by middleware
//	Session object -> per-session view exposed to handlers and middleware
//
// # Host Interface
//
// SessionHost abstracts persistence and ordered fan-out semantics required by
// streaming transports:
//   - Metadata CRUD + sliding TTL       : lifecycle
//   - PublishSession / SubscribeSession : ordered client-visible message log
//   - BeginAwait / Fulfill              : correlation of server-initiated requests
//
// Implementations
//
//	memoryhost : in-memory implementation for single-process deployments and tests
//	redishost  : Redis backed implementation for horizontal scale
//
// # Registry
//
// Registry records which sessions have already been through a one-time
// action. MarkSeen is an atomic check-and-set: among any number of concurrent
// callers for the same session exactly one observes true.
//
// # Capabilities
//
// A Session may expose optional capability interfaces. Today only sampling is
// surfaced: GetSamplingCapability returns ok=false when the client did not
// declare the capability during initialize.
package sessions
